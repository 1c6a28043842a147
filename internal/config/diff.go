package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SegmenterChanged reports segmentation-threshold changes; new sessions
	// pick them up, live sessions keep their current tuning.
	SegmenterChanged bool

	PlansChanged bool       // true if any plan allowance changed
	PlanChanges  []PlanDiff // per-plan diffs
}

// PlanDiff describes what changed for a single plan between two configs.
type PlanDiff struct {
	Code           string
	LimitsChanged  bool
	TiersChanged   bool
	Added, Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Segmenter tuning
	if old.Pipeline.Segmenter != new.Pipeline.Segmenter {
		d.SegmenterChanged = true
	}

	// Detect modified and removed plans.
	for code, oldPlan := range old.Usage.Plans {
		newPlan, exists := new.Usage.Plans[code]
		if !exists {
			d.PlanChanges = append(d.PlanChanges, PlanDiff{Code: code, Removed: true})
			d.PlansChanged = true
			continue
		}
		pd := diffPlan(code, oldPlan, newPlan)
		if pd.LimitsChanged || pd.TiersChanged {
			d.PlanChanges = append(d.PlanChanges, pd)
			d.PlansChanged = true
		}
	}

	// Detect added plans.
	for code := range new.Usage.Plans {
		if _, exists := old.Usage.Plans[code]; !exists {
			d.PlanChanges = append(d.PlanChanges, PlanDiff{Code: code, Added: true})
			d.PlansChanged = true
		}
	}

	return d
}

// diffPlan compares two plans with the same code.
func diffPlan(code string, old, new PlanConfig) PlanDiff {
	pd := PlanDiff{Code: code}

	if old.AudioSeconds != new.AudioSeconds || old.SynthesizedChars != new.SynthesizedChars {
		pd.LimitsChanged = true
	}
	if !equalTiers(old.VoiceTiers, new.VoiceTiers) {
		pd.TiersChanged = true
	}
	return pd
}

func equalTiers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
