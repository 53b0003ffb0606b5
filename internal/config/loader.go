package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"stt":      {"deepgram"},
	"tts":      {"elevenlabs"},
	"realtime": {"openai-realtime"},
}

// validModes are the accepted media.mode values.
var validModes = []string{"STT_TTS", "TRANSCRIPTION_ONLY", "PASSTHROUGH"}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := decodeYAML(r, cfg); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays the recognised environment variables onto cfg. lookup is
// injectable so tests need not mutate the process environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup("STREAMING_MODE"); ok {
		cfg.Media.Mode = v
	}
	if v, ok := lookup("RECOGNIZER_LANGUAGES"); ok {
		var langs []string
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				langs = append(langs, l)
			}
		}
		cfg.Speech.STT.Languages = langs
	}
	if v, ok := lookup("ENTRY_AGENT"); ok {
		cfg.Agents.Entry = v
	}

	intKeys := []struct {
		key string
		dst *int
	}{
		{"RECOGNIZER_POOL_SIZE", &cfg.Speech.STT.PoolSize},
		{"SYNTHESIZER_POOL_SIZE", &cfg.Speech.TTS.PoolSize},
		{"SESSION_TTL_SECONDS", &cfg.Session.TTLSeconds},
		{"BARGE_IN_STOP_TIMEOUT_MS", &cfg.Media.BargeInStopTimeoutMS},
		{"TURN_DEADLINE_SECONDS", &cfg.Media.TurnDeadlineSeconds},
	}
	for _, k := range intKeys {
		v, ok := lookup(k.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", k.key, v))
			continue
		}
		*k.dst = n
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Media.Mode != "" && !slices.Contains(validModes, cfg.Media.Mode) {
		errs = append(errs, fmt.Errorf("media.mode %q is invalid; valid values: %s", cfg.Media.Mode, strings.Join(validModes, ", ")))
	}
	if cfg.Media.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("media.sample_rate %d must not be negative", cfg.Media.SampleRate))
	}
	if cfg.Media.BargeInStopTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("media.barge_in_stop_timeout_ms %d must not be negative", cfg.Media.BargeInStopTimeoutMS))
	}
	if cfg.Media.TurnDeadlineSeconds < 0 {
		errs = append(errs, fmt.Errorf("media.turn_deadline_seconds %d must not be negative", cfg.Media.TurnDeadlineSeconds))
	}

	if cfg.Session.RedisAddr == "" {
		errs = append(errs, errors.New("session.redis_addr is required"))
	}
	if cfg.Session.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.ttl_seconds %d must not be negative", cfg.Session.TTLSeconds))
	}
	if cfg.Session.PostgresDSN == "" {
		slog.Warn("session.postgres_dsn is empty; sessions will expire without archival")
	}

	validateProviderName("stt", cfg.Speech.STT.Name)
	validateProviderName("tts", cfg.Speech.TTS.Name)
	validateProviderName("realtime", cfg.Speech.Realtime.Name)
	validateProviderName("llm", cfg.LLM.Name)

	switch cfg.Media.Mode {
	case "", "STT_TTS":
		if cfg.Speech.STT.Name == "" {
			errs = append(errs, errors.New("speech.stt.name is required for STT_TTS mode"))
		}
		if cfg.Speech.TTS.Name == "" {
			errs = append(errs, errors.New("speech.tts.name is required for STT_TTS mode"))
		}
		if cfg.LLM.Name == "" {
			errs = append(errs, errors.New("llm.name is required for STT_TTS mode"))
		}
	case "TRANSCRIPTION_ONLY":
		if cfg.Speech.STT.Name == "" {
			errs = append(errs, errors.New("speech.stt.name is required for TRANSCRIPTION_ONLY mode"))
		}
	case "PASSTHROUGH":
		if cfg.Speech.Realtime.Name == "" {
			errs = append(errs, errors.New("speech.realtime.name is required for PASSTHROUGH mode"))
		}
	}

	if cfg.Speech.STT.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("speech.stt.pool_size %d must not be negative", cfg.Speech.STT.PoolSize))
	}
	if cfg.Speech.TTS.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("speech.tts.pool_size %d must not be negative", cfg.Speech.TTS.PoolSize))
	}

	if v := cfg.Speech.VAD; v.SpeechThreshold != 0 && v.SilenceThreshold > v.SpeechThreshold {
		errs = append(errs, fmt.Errorf("speech.vad.silence_threshold %.4f exceeds speech_threshold %.4f", v.SilenceThreshold, v.SpeechThreshold))
	}

	if cfg.Media.Mode != "TRANSCRIPTION_ONLY" && cfg.Agents.SpecsPath == "" {
		errs = append(errs, errors.New("agents.specs_path is required"))
	}
	if cfg.Agents.Entry != "" && len(cfg.Agents.Specialists) > 0 &&
		!slices.Contains(cfg.Agents.Specialists, cfg.Agents.Entry) {
		errs = append(errs, fmt.Errorf("agents.entry %q is not in agents.specialists", cfg.Agents.Entry))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
