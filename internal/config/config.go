// Package config provides the configuration schema, loader, environment
// overrides and provider registry for the Callyx media core.
package config

import "time"

// LogLevel controls log verbosity for the Callyx server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Callyx. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader], then overlaid
// with environment variables via [ApplyEnv].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Media   MediaConfig   `yaml:"media"`
	Session SessionConfig `yaml:"session"`
	Speech  SpeechConfig  `yaml:"speech"`
	LLM     ProviderEntry `yaml:"llm"`

	// LLMFallback, when set, backs the primary model whenever it fails or its
	// circuit breaker is open.
	LLMFallback *ProviderEntry `yaml:"llm_fallback"`

	Agents AgentsConfig `yaml:"agents"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// MediaConfig holds the per-call media handler tunables.
type MediaConfig struct {
	// Mode is the default streaming mode for accepted calls:
	// STT_TTS, TRANSCRIPTION_ONLY or PASSTHROUGH.
	Mode string `yaml:"mode"`

	// SampleRate is the inbound PCM rate in Hz. Telephony audio is 16000.
	SampleRate int `yaml:"sample_rate"`

	// BargeInStopTimeoutMS bounds the StopAudio frame write after barge-in
	// detection, in milliseconds.
	BargeInStopTimeoutMS int `yaml:"barge_in_stop_timeout_ms"`

	// TurnDeadlineSeconds is the soft deadline for one full turn.
	TurnDeadlineSeconds int `yaml:"turn_deadline_seconds"`

	// IdleTimeoutSeconds closes sockets with no inbound traffic.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// BargeInStopTimeout returns the configured timeout as a duration, or zero
// when unset.
func (m MediaConfig) BargeInStopTimeout() time.Duration {
	return time.Duration(m.BargeInStopTimeoutMS) * time.Millisecond
}

// TurnDeadline returns the configured deadline as a duration, or zero when
// unset.
func (m MediaConfig) TurnDeadline() time.Duration {
	return time.Duration(m.TurnDeadlineSeconds) * time.Second
}

// IdleTimeout returns the configured timeout as a duration, or zero when
// unset.
func (m MediaConfig) IdleTimeout() time.Duration {
	return time.Duration(m.IdleTimeoutSeconds) * time.Second
}

// SessionConfig holds hot- and cold-store settings.
type SessionConfig struct {
	// RedisAddr is the host:port of the hot session store.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates against Redis. Empty means no auth.
	RedisPassword string `yaml:"redis_password"`

	// Environment namespaces the key schema (e.g., "prod", "staging").
	Environment string `yaml:"environment"`

	// PostgresDSN is the connection string of the cold archive store.
	// Empty disables archival.
	PostgresDSN string `yaml:"postgres_dsn"`

	// TTLSeconds is the CoreMemory TTL, renewed on every turn.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the session TTL as a duration, or zero when unset.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// SpeechConfig selects and sizes the speech providers.
type SpeechConfig struct {
	STT STTConfig `yaml:"stt"`
	TTS TTSConfig `yaml:"tts"`

	// Realtime backs PASSTHROUGH mode.
	Realtime ProviderEntry `yaml:"realtime"`

	VAD VADConfig `yaml:"vad"`
}

// STTConfig configures the recognizer provider and pool.
type STTConfig struct {
	ProviderEntry `yaml:",inline"`

	// PoolSize is the max concurrent recognition streams per process.
	PoolSize int `yaml:"pool_size"`

	// Languages lists candidate BCP-47 tags for recognition. The first entry
	// is the primary language; the rest feed auto-detection.
	Languages []string `yaml:"languages"`

	// Fallback, when set, is tried whenever the primary provider fails or its
	// circuit breaker is open.
	Fallback *ProviderEntry `yaml:"fallback"`
}

// TTSConfig configures the synthesizer provider and pool.
type TTSConfig struct {
	ProviderEntry `yaml:",inline"`

	// PoolSize is the max concurrent synthesis streams per process.
	PoolSize int `yaml:"pool_size"`

	// Fallback, when set, is tried whenever the primary provider fails or its
	// circuit breaker is open.
	Fallback *ProviderEntry `yaml:"fallback"`
}

// VADConfig tunes the energy-based voice activity gate.
type VADConfig struct {
	// SpeechThreshold is the RMS onset level in [0.0, 1.0].
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the RMS decay level. Must be <= SpeechThreshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// HangoverFrames bridges short intra-word pauses.
	HangoverFrames int `yaml:"hangover_frames"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "deepgram", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// AgentsConfig locates the specialist definitions and the routing policy.
type AgentsConfig struct {
	// SpecsPath is the YAML document list of agent specs.
	SpecsPath string `yaml:"specs_path"`

	// Entry names the agent that answers first. Empty falls back to the
	// first specialist.
	Entry string `yaml:"entry"`

	// Specialists is the ordered specialist list offered for handoff.
	Specialists []string `yaml:"specialists"`
}
