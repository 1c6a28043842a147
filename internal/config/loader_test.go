package config_test

import (
	"strings"
	"testing"

	"github.com/exalang/exastream/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/exastream/tls.crt
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_FallbacksRequirePrimary(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  tts_fallbacks:
    - name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallbacks without a primary, got nil")
	}
	if !strings.Contains(err.Error(), "tts_fallbacks") {
		t.Errorf("error should mention tts_fallbacks, got: %v", err)
	}
}

func TestValidate_ReconnectBaseExceedsCap(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  reconnect:
    base_ms: 5000
    cap_ms: 4000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for base_ms > cap_ms, got nil")
	}
}

func TestValidate_BacklogThresholdsMustTighten(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  segmenter:
    max_sentences: 3
    max_chars: 800
    backlog_max_sentences: 10
    backlog_max_chars: 2000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for loosening backlog thresholds, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "backlog_max_sentences") {
		t.Errorf("error should mention backlog_max_sentences, got: %v", err)
	}
	if !strings.Contains(errStr, "backlog_max_chars") {
		t.Errorf("error should mention backlog_max_chars, got: %v", err)
	}
}

func TestValidate_NegativePlanLimits(t *testing.T) {
	t.Parallel()
	yaml := `
usage:
  plans:
    free:
      audio_seconds: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative plan limit, got nil")
	}
	if !strings.Contains(err.Error(), "audio_seconds") {
		t.Errorf("error should mention audio_seconds, got: %v", err)
	}
}

func TestValidate_WarnPercentRange(t *testing.T) {
	t.Parallel()
	yaml := `
usage:
  warn_percent: 130
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for warn_percent > 100, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	ttsNames := config.ValidProviderNames["tts"]
	if len(ttsNames) == 0 {
		t.Fatal("ValidProviderNames[\"tts\"] should not be empty")
	}
	found := false
	for _, n := range ttsNames {
		if n == "elevenlabs" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"tts\"] should contain \"elevenlabs\"")
	}
}
