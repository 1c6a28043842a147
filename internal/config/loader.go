package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"speech": {"gemini", "mock"},
	"tts":    {"elevenlabs", "openai", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("speech", cfg.Providers.Speech.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, fb := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", fb.Name)
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks is set but providers.tts is not configured"))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must not be negative", p.SampleRate))
	}
	if p.SetupTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.setup_timeout_ms %d must not be negative", p.SetupTimeoutMs))
	}
	if p.Reconnect.CapMs != 0 && p.Reconnect.BaseMs > p.Reconnect.CapMs {
		errs = append(errs, fmt.Errorf("pipeline.reconnect.base_ms %d exceeds cap_ms %d", p.Reconnect.BaseMs, p.Reconnect.CapMs))
	}
	if p.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipeline.reconnect.max_attempts %d must not be negative", p.Reconnect.MaxAttempts))
	}

	// Segmenter: backlog thresholds tighten, never loosen.
	seg := p.Segmenter
	if seg.BacklogMaxSentences > seg.MaxSentences && seg.MaxSentences != 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.backlog_max_sentences %d exceeds max_sentences %d", seg.BacklogMaxSentences, seg.MaxSentences))
	}
	if seg.BacklogMaxChars > seg.MaxChars && seg.MaxChars != 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.backlog_max_chars %d exceeds max_chars %d", seg.BacklogMaxChars, seg.MaxChars))
	}
	if seg.BacklogMaxAgeMs > seg.MaxAgeMs && seg.MaxAgeMs != 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.backlog_max_age_ms %d exceeds max_age_ms %d", seg.BacklogMaxAgeMs, seg.MaxAgeMs))
	}

	// Broker
	if cfg.Broker.OutboxDepth < 0 {
		errs = append(errs, fmt.Errorf("broker.outbox_depth %d must not be negative", cfg.Broker.OutboxDepth))
	}
	if cfg.Broker.AckTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("broker.ack_timeout_ms %d must not be negative", cfg.Broker.AckTimeoutMs))
	}

	// Usage
	if cfg.Usage.WarnPercent < 0 || cfg.Usage.WarnPercent > 100 {
		errs = append(errs, fmt.Errorf("usage.warn_percent %d is out of range [0, 100]", cfg.Usage.WarnPercent))
	}
	for code, plan := range cfg.Usage.Plans {
		if plan.AudioSeconds < 0 {
			errs = append(errs, fmt.Errorf("usage.plans[%s].audio_seconds %.0f must not be negative", code, plan.AudioSeconds))
		}
		if plan.SynthesizedChars < 0 {
			errs = append(errs, fmt.Errorf("usage.plans[%s].synthesized_chars %d must not be negative", code, plan.SynthesizedChars))
		}
	}
	if len(cfg.Usage.Plans) > 0 && cfg.Usage.PostgresDSN == "" {
		slog.Warn("usage.postgres_dsn is empty; quota accounting is per-node only")
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
