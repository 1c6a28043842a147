// Command exastream is the main entry point for the Exastream live
// translation server.
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

	"github.com/exalang/exastream/internal/app"
	"github.com/exalang/exastream/internal/config"
	"github.com/exalang/exastream/internal/observe"
	"github.com/exalang/exastream/internal/resilience"
	"github.com/exalang/exastream/pkg/provider/speech"
	speechgemini "github.com/exalang/exastream/pkg/provider/speech/gemini"
	speechmock "github.com/exalang/exastream/pkg/provider/speech/mock"
	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/exalang/exastream/pkg/provider/tts/mock"
	ttsopenai "github.com/exalang/exastream/pkg/provider/tts/openai"
)

// version is stamped by the build via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("exastream", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "exastream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "exastream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("exastream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "exastream",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(level, config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Speech recognition + translation ──────────────────────────────────────

	reg.RegisterSpeech("gemini", func(entry config.ProviderEntry) (speech.Provider, error) {
		var opts []speechgemini.Option
		if entry.Model != "" {
			opts = append(opts, speechgemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, speechgemini.WithBaseURL(entry.BaseURL))
		}
		return speechgemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSpeech("mock", func(config.ProviderEntry) (speech.Provider, error) {
		return &speechmock.Provider{}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// The TTS provider is wrapped in a circuit-breaking fallback chain when
// fallbacks are configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var ps app.Providers

	name := cfg.Providers.Speech.Name
	if name == "" {
		return ps, errors.New("a speech provider must be configured")
	}
	sp, err := reg.CreateSpeech(cfg.Providers.Speech)
	if err != nil {
		return ps, fmt.Errorf("create speech provider %q: %w", name, err)
	}
	ps.Speech = sp
	slog.Info("provider created", "kind", "speech", "name", name)

	if name := cfg.Providers.TTS.Name; name != "" {
		primary, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return ps, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "tts", "name", name)

		if len(cfg.Providers.TTSFallbacks) == 0 {
			ps.TTS = primary
		} else {
			chain := resilience.NewTTSFallback(primary, name, resilience.FallbackConfig{
				// Quota and auth failures follow the account, not the
				// provider instance: failing over would just burn the chain.
				Unrecoverable: func(err error) bool {
					return errors.Is(err, tts.ErrQuotaExceeded) || errors.Is(err, tts.ErrAuthFailed)
				},
			})
			for _, entry := range cfg.Providers.TTSFallbacks {
				fb, err := reg.CreateTTS(entry)
				if err != nil {
					return ps, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
				}
				chain.AddFallback(entry.Name, fb)
				slog.Info("provider created", "kind", "tts", "name", entry.Name, "role", "fallback")
			}
			ps.TTS = chain
		}
	}

	return ps, nil
}

// applyConfigChange applies the hot-reloadable parts of a config diff. The
// log level takes effect immediately; everything else is informational until
// the affected sessions are re-opened.
func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SegmenterChanged {
		slog.Info("segmenter tuning changed; applies to new sessions")
	}
	for _, pd := range d.PlanChanges {
		slog.Info("plan changed",
			"plan", pd.Code,
			"limits", pd.LimitsChanged,
			"tiers", pd.TiersChanged,
			"added", pd.Added,
			"removed", pd.Removed,
		)
	}
	if d.PlansChanged {
		slog.Warn("plan allowances apply at next restart; live quota guards keep their startup limits")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Exastream — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Speech", cfg.Providers.Speech.Name, cfg.Providers.Speech.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  TTS fallbacks   : %-19d ║\n", len(cfg.Providers.TTSFallbacks))
	fmt.Printf("║  Plans configured: %-19d ║\n", len(cfg.Usage.Plans))
	if cfg.Usage.PostgresDSN != "" {
		fmt.Printf("║  Usage store     : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Usage store     : %-19s ║\n", "in-memory")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
