package usage

import (
	"context"
	"math"
	"sync"
	"time"
)

// Default thresholds and billing window.
const (
	DefaultWarnFraction = 0.8
	DefaultPeriod       = 30 * 24 * time.Hour
)

// Limits is one plan's allowance per billing period. A zero field means the
// dimension is unmetered.
type Limits struct {
	AudioSeconds     float64
	SynthesizedChars int
}

// Status is the quota verdict after a check or a consume.
type Status struct {
	// PercentUsed is the worse of the two dimensions, 0-100+.
	PercentUsed float64

	// Warn is true exactly once per user per period, when usage first
	// crosses the warn fraction.
	Warn bool

	// Exceeded is true once usage reaches or passes the limit. The caller
	// terminates the session with quota_exceeded.
	Exceeded bool
}

// GuardConfig wires a Guard.
type GuardConfig struct {
	Store Store

	// Plans maps plan codes to their allowances. A plan code not present
	// here falls back to Limits.
	Plans map[string]Limits

	// Limits is the fallback allowance for unknown plan codes. The zero
	// value leaves those users unmetered.
	Limits Limits

	// WarnFraction is where the one-shot quota_warning fires.
	// Defaults to [DefaultWarnFraction].
	WarnFraction float64

	// Period is the billing window. Defaults to [DefaultPeriod].
	Period time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c *GuardConfig) applyDefaults() {
	if c.WarnFraction <= 0 {
		c.WarnFraction = DefaultWarnFraction
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Guard evaluates plan quotas against a Store. One Guard serves many users;
// the warned set keeps quota_warning one-shot per user.
type Guard struct {
	cfg GuardConfig

	mu     sync.Mutex
	warned map[string]time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg.applyDefaults()
	return &Guard{cfg: cfg, warned: make(map[string]time.Time)}
}

// Check evaluates the user's quota without recording anything. Connection
// setup calls this to refuse sessions for exhausted plans.
func (g *Guard) Check(ctx context.Context, userID, planCode string) (Status, error) {
	totals, err := g.cfg.Store.Totals(ctx, userID, g.periodStart())
	if err != nil {
		return Status{}, err
	}
	return g.evaluate(userID, planCode, totals), nil
}

// Consume records one usage increment and re-evaluates the quota.
func (g *Guard) Consume(ctx context.Context, planCode string, rec Record) (Status, error) {
	if rec.At.IsZero() {
		rec.At = g.cfg.Now()
	}
	if err := g.cfg.Store.Add(ctx, rec); err != nil {
		return Status{}, err
	}
	totals, err := g.cfg.Store.Totals(ctx, rec.UserID, g.periodStart())
	if err != nil {
		return Status{}, err
	}
	return g.evaluate(rec.UserID, planCode, totals), nil
}

func (g *Guard) periodStart() time.Time {
	return g.cfg.Now().Add(-g.cfg.Period)
}

func (g *Guard) evaluate(userID, planCode string, totals Totals) Status {
	frac := fraction(g.limitsFor(planCode), totals)
	st := Status{
		PercentUsed: math.Round(frac*1000) / 10,
		Exceeded:    frac >= 1,
	}
	if frac >= g.cfg.WarnFraction {
		g.mu.Lock()
		warnedAt, seen := g.warned[userID]
		if !seen || warnedAt.Before(g.periodStart()) {
			g.warned[userID] = g.cfg.Now()
			st.Warn = true
		}
		g.mu.Unlock()
	}
	return st
}

func (g *Guard) limitsFor(planCode string) Limits {
	if lim, ok := g.cfg.Plans[planCode]; ok {
		return lim
	}
	return g.cfg.Limits
}

// fraction returns the worse dimension's used fraction.
func fraction(limits Limits, totals Totals) float64 {
	var frac float64
	if limits.AudioSeconds > 0 {
		frac = totals.AudioSeconds / limits.AudioSeconds
	}
	if limits.SynthesizedChars > 0 {
		if f := float64(totals.SynthesizedChars) / float64(limits.SynthesizedChars); f > frac {
			frac = f
		}
	}
	return frac
}
