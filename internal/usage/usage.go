// Package usage meters per-user consumption (recognized audio, synthesized
// characters) and enforces plan quotas. The Guard produces a single
// quota_warning at the warn threshold and reports exhaustion so the session
// layer can terminate with the server-error close code.
package usage

import (
	"context"
	"time"
)

// Record is one usage increment attributed to a user.
type Record struct {
	UserID           string
	SessionID        string
	AudioSeconds     float64
	SynthesizedChars int
	At               time.Time
}

// Totals aggregates a user's consumption over a billing period.
type Totals struct {
	AudioSeconds     float64
	SynthesizedChars int
}

// Store persists usage records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Add appends one usage record.
	Add(ctx context.Context, rec Record) error

	// Totals sums records for userID with At >= since.
	Totals(ctx context.Context, userID string, since time.Time) (Totals, error)
}
