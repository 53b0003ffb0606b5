// Command callyx is the main entry point for the Callyx voice media server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callyx/internal/agent"
	"github.com/MrWong99/callyx/internal/config"
	"github.com/MrWong99/callyx/internal/health"
	"github.com/MrWong99/callyx/internal/observe"
	"github.com/MrWong99/callyx/internal/orchestrate"
	"github.com/MrWong99/callyx/internal/resilience"
	"github.com/MrWong99/callyx/internal/server"
	"github.com/MrWong99/callyx/internal/tool"
	"github.com/MrWong99/callyx/pkg/llm"
	"github.com/MrWong99/callyx/pkg/llm/anyllm"
	oaillm "github.com/MrWong99/callyx/pkg/llm/openai"
	"github.com/MrWong99/callyx/pkg/session/postgres"
	"github.com/MrWong99/callyx/pkg/session/redisstore"
	"github.com/MrWong99/callyx/pkg/speech/realtime"
	oairealtime "github.com/MrWong99/callyx/pkg/speech/realtime/openai"
	"github.com/MrWong99/callyx/pkg/speech/stt"
	"github.com/MrWong99/callyx/pkg/speech/stt/deepgram"
	"github.com/MrWong99/callyx/pkg/speech/tts"
	"github.com/MrWong99/callyx/pkg/speech/tts/elevenlabs"
	"github.com/redis/go-redis/v9"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callyx: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callyx: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callyx starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"mode", cfg.Media.Mode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "callyx",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Session.RedisAddr,
		Password: cfg.Session.RedisPassword,
	})
	checkers := []health.Checker{health.Redis(rdb)}

	storeOpts := []redisstore.Option{
		redisstore.WithLogger(logger),
		redisstore.WithKeyspace(cfg.Session.Environment, "call"),
	}

	var archive *postgres.Archive
	if dsn := cfg.Session.PostgresDSN; dsn != "" {
		archive, err = postgres.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to archive store", "err", err)
			return 1
		}
		defer archive.Close()
		storeOpts = append(storeOpts, redisstore.WithArchiver(archive))
		checkers = append(checkers, health.Postgres(archive))
	}

	store := redisstore.NewWithClient(rdb, storeOpts...)
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		slog.Error("session store unreachable", "addr", cfg.Session.RedisAddr, "err", err)
		return 1
	}

	// ── Speech pools ──────────────────────────────────────────────────────────
	var (
		recognizers  *stt.Pool
		synthesizers *tts.Pool
	)
	if providers.STT != nil {
		recognizers = stt.NewPool(providers.STT, cfg.Speech.STT.PoolSize, stt.WithLogger(logger))
	}
	if providers.TTS != nil {
		synthesizers = tts.NewPool(providers.TTS, cfg.Speech.TTS.PoolSize, tts.WithLogger(logger))
	}
	checkers = append(checkers, health.SpeechPools(recognizers, synthesizers))

	// ── Agents and orchestration ──────────────────────────────────────────────
	var (
		agents       *agent.Registry
		orchestrator *orchestrate.Orchestrator
	)
	if cfg.Media.Mode != "TRANSCRIPTION_ONLY" && cfg.Media.Mode != "PASSTHROUGH" {
		agents, err = buildAgents(cfg, providers.LLM, logger)
		if err != nil {
			slog.Error("failed to build agents", "err", err)
			return 1
		}

		orchOpts := []orchestrate.Option{orchestrate.WithLogger(logger)}
		if d := cfg.Media.TurnDeadline(); d > 0 {
			orchOpts = append(orchOpts, orchestrate.WithTurnDeadline(d))
		}
		orchestrator = orchestrate.New(agents, orchOpts...)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, agents)

	srv := server.New(server.Deps{
		Config:                  cfg,
		Store:                   store,
		Phrases:                 store,
		Agents:                  agents,
		Orchestrator:            orchestrator,
		Recognizers:             recognizers,
		Synthesizers:            synthesizers,
		Realtime:                providers.Realtime,
		PassthroughInstructions: optString(cfg.Speech.Realtime.Options, "instructions"),
		Checkers:                checkers,
		Logger:                  logger,
		Metrics:                 metrics,
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the instantiated backends the server is wired with.
type providerSet struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Realtime realtime.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native SDK-backed provider.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, mistral and groq share the any-llm pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai-realtime", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		return oairealtime.New(entry.APIKey, opts...), nil
	})
}

// buildProviders instantiates the providers named in cfg, wrapping each with
// its configured fallback backend where one is set.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}
	if fb := cfg.LLMFallback; fb != nil && ps.LLM != nil {
		secondary, err := reg.CreateLLM(*fb)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewLLMFallback(ps.LLM, cfg.LLM.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.LLM = group
		slog.Info("fallback configured", "kind", "llm", "primary", cfg.LLM.Name, "fallback", fb.Name)
	}

	if name := cfg.Speech.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Speech.STT.ProviderEntry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}
	if fb := cfg.Speech.STT.Fallback; fb != nil && ps.STT != nil {
		secondary, err := reg.CreateSTT(*fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewRecognizerFallback(ps.STT, cfg.Speech.STT.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.STT = group
		slog.Info("fallback configured", "kind", "stt", "primary", cfg.Speech.STT.Name, "fallback", fb.Name)
	}

	if name := cfg.Speech.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Speech.TTS.ProviderEntry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}
	if fb := cfg.Speech.TTS.Fallback; fb != nil && ps.TTS != nil {
		secondary, err := reg.CreateTTS(*fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		group := resilience.NewSynthesizerFallback(ps.TTS, cfg.Speech.TTS.Name, resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		ps.TTS = group
		slog.Info("fallback configured", "kind", "tts", "primary", cfg.Speech.TTS.Name, "fallback", fb.Name)
	}

	if name := cfg.Speech.Realtime.Name; name != "" {
		p, err := reg.CreateRealtime(cfg.Speech.Realtime)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "kind", "realtime", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create realtime provider %q: %w", name, err)
		} else {
			ps.Realtime = p
			slog.Info("provider created", "kind", "realtime", "name", name)
		}
	}

	return ps, nil
}

// buildAgents loads the specialist specs and registers one ART agent per spec
// against the shared tool registry.
func buildAgents(cfg *config.Config, provider llm.Provider, logger *slog.Logger) (*agent.Registry, error) {
	if provider == nil {
		return nil, errors.New("no llm provider configured")
	}

	specs, err := agent.LoadSpecs(cfg.Agents.SpecsPath)
	if err != nil {
		return nil, err
	}

	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools, nil)
	tools.Freeze()

	wanted := make(map[string]bool, len(cfg.Agents.Specialists))
	for _, name := range cfg.Agents.Specialists {
		wanted[name] = true
	}

	reg := agent.NewRegistry()
	var specialists []string
	for _, spec := range specs {
		if len(wanted) > 0 && !wanted[spec.Name] {
			continue
		}
		a, err := agent.NewART(spec, provider, tools, agent.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", spec.Name, err)
		}
		reg.Register(a)
		specialists = append(specialists, spec.Name)
	}

	if err := reg.Configure(cfg.Agents.Entry, specialists); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, agents *agent.Registry) {
	mode := cfg.Media.Mode
	if mode == "" {
		mode = "STT_TTS"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Callyx — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSummaryRow("Mode", mode)
	printProvider("STT", cfg.Speech.STT.Name, cfg.Speech.STT.Model)
	printProvider("TTS", cfg.Speech.TTS.Name, cfg.Speech.TTS.Model)
	printProvider("LLM", cfg.LLM.Name, cfg.LLM.Model)
	printProvider("Realtime", cfg.Speech.Realtime.Name, cfg.Speech.Realtime.Model)
	printSummaryRow("Redis", cfg.Session.RedisAddr)
	if cfg.Session.PostgresDSN != "" {
		printSummaryRow("Archive", "postgres")
	} else {
		printSummaryRow("Archive", "(disabled)")
	}
	if agents != nil {
		printSummaryRow("Agents", fmt.Sprintf("%d (entry: %s)", len(agents.Specialists()), agents.Entry().Name()))
	}
	printSummaryRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printSummaryRow(kind, value)
}

func printSummaryRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
