package config_test

import (
	"testing"

	"github.com/exalang/exastream/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Pipeline: config.PipelineConfig{
			Segmenter: config.SegmenterConfig{MaxSentences: 10, MaxChars: 2000},
		},
		Usage: config.UsageConfig{
			Plans: map[string]config.PlanConfig{
				"free": {AudioSeconds: 1800, SynthesizedChars: 50000, VoiceTiers: []string{"standard"}},
				"pro":  {AudioSeconds: 36000, SynthesizedChars: 2000000, VoiceTiers: []string{"standard", "premium"}},
			},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.SegmenterChanged || d.PlansChanged {
		t.Errorf("diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
}

func TestDiff_Segmenter(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Pipeline.Segmenter.MaxChars = 1500

	d := config.Diff(baseConfig(), newCfg)
	if !d.SegmenterChanged {
		t.Error("segmenter change not detected")
	}
}

func TestDiff_PlanLimitsChanged(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	plan := newCfg.Usage.Plans["free"]
	plan.AudioSeconds = 3600
	newCfg.Usage.Plans["free"] = plan

	d := config.Diff(baseConfig(), newCfg)
	if !d.PlansChanged {
		t.Fatal("plan change not detected")
	}
	if len(d.PlanChanges) != 1 || d.PlanChanges[0].Code != "free" || !d.PlanChanges[0].LimitsChanged {
		t.Errorf("plan changes = %+v", d.PlanChanges)
	}
}

func TestDiff_PlanTiersChanged(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	plan := newCfg.Usage.Plans["free"]
	plan.VoiceTiers = []string{"standard", "premium"}
	newCfg.Usage.Plans["free"] = plan

	d := config.Diff(baseConfig(), newCfg)
	if !d.PlansChanged || len(d.PlanChanges) != 1 || !d.PlanChanges[0].TiersChanged {
		t.Errorf("diff = %+v, want tier change for free", d)
	}
}

func TestDiff_PlanAddedAndRemoved(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	delete(newCfg.Usage.Plans, "free")
	newCfg.Usage.Plans["enterprise"] = config.PlanConfig{AudioSeconds: 360000}

	d := config.Diff(baseConfig(), newCfg)
	if !d.PlansChanged {
		t.Fatal("plan changes not detected")
	}

	var added, removed bool
	for _, pc := range d.PlanChanges {
		if pc.Code == "enterprise" && pc.Added {
			added = true
		}
		if pc.Code == "free" && pc.Removed {
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("plan changes = %+v, want enterprise added and free removed", d.PlanChanges)
	}
}
