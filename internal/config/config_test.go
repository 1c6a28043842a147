package config_test

import (
	"strings"
	"testing"

	"github.com/exalang/exastream/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  tls:
    cert_file: /etc/exastream/tls.crt
    key_file: /etc/exastream/tls.key
providers:
  speech:
    name: gemini
    api_key: test-key
    model: gemini-2.0-flash-live-001
  tts:
    name: elevenlabs
    api_key: el-key
    voice: pNInz6obpgDQGcFmaJgB
  tts_fallbacks:
    - name: openai
      api_key: oa-key
      voice: alloy
pipeline:
  sample_rate: 16000
  profanity_filter: true
  setup_timeout_ms: 10000
  audio_grace_ms: 200
  pending_audio_max: 10
  reconnect:
    base_ms: 500
    cap_ms: 4000
    max_attempts: 3
  segmenter:
    max_sentences: 10
    max_chars: 2000
    max_age_ms: 15000
    backlog_max_sentences: 3
    backlog_max_chars: 800
    backlog_max_age_ms: 3000
    final_extension_ms: 5000
broker:
  outbox_depth: 64
  ack_timeout_ms: 10000
  jitter_target_ms: 300
usage:
  postgres_dsn: "postgres://localhost/exastream"
  warn_percent: 80
  plans:
    free:
      audio_seconds: 1800
      synthesized_chars: 50000
      voice_tiers: [standard]
    pro:
      audio_seconds: 36000
      synthesized_chars: 2000000
      voice_tiers: [standard, premium]
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/exastream/tls.crt" {
		t.Errorf("tls = %+v", cfg.Server.TLS)
	}
	if cfg.Providers.Speech.Name != "gemini" || cfg.Providers.Speech.Model != "gemini-2.0-flash-live-001" {
		t.Errorf("speech provider = %+v", cfg.Providers.Speech)
	}
	if cfg.Providers.TTS.Voice != "pNInz6obpgDQGcFmaJgB" {
		t.Errorf("tts voice = %q", cfg.Providers.TTS.Voice)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Name != "openai" {
		t.Errorf("fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
	if cfg.Pipeline.Segmenter.BacklogMaxChars != 800 {
		t.Errorf("backlog_max_chars = %d", cfg.Pipeline.Segmenter.BacklogMaxChars)
	}
	if cfg.Broker.OutboxDepth != 64 {
		t.Errorf("outbox_depth = %d", cfg.Broker.OutboxDepth)
	}
	pro, ok := cfg.Usage.Plans["pro"]
	if !ok || pro.SynthesizedChars != 2000000 || len(pro.VoiceTiers) != 2 {
		t.Errorf("pro plan = %+v", pro)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_addr: ":8080"
  typo_field: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`"verbose" should be invalid`)
	}
}
