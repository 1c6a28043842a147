package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exalang/exastream/internal/config"
	"github.com/exalang/exastream/internal/observe"
	"github.com/exalang/exastream/internal/orchestrator"
	"github.com/exalang/exastream/internal/segment"
	"github.com/exalang/exastream/internal/ttsqueue"
	"github.com/exalang/exastream/internal/usage"
	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

// Default session-manager tuning.
const (
	// DefaultIdleTimeout closes speaker sessions that have gone silent.
	DefaultIdleTimeout = 10 * time.Minute

	// meterInterval is how often live sessions are billed against the quota.
	meterInterval = 30 * time.Second
)

// OpenParams describes one speaker session to open.
type OpenParams struct {
	SessionID  string // empty generates one
	UserID     string
	PlanCode   string
	SourceLang string
	TargetLang string
	VoiceID    string
	Mode       types.TTSMode
	Profanity  bool

	// Emitter delivers server messages to the speaker socket.
	Emitter orchestrator.Emitter

	// OnFatal is invoked once when the session dies for a non-recoverable
	// reason, after the error message has been emitted. The transport layer
	// closes the socket there.
	OnFatal func(code, message string)
}

// Entry is one live speaker session with its synthesis pipeline.
type Entry struct {
	ID       string
	UserID   string
	PlanCode string

	Session *orchestrator.Session
	Queue   *ttsqueue.Coordinator

	emitter   orchestrator.Emitter
	startedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	closed     bool
}

// Touch records speaker activity for idle accounting.
func (e *Entry) Touch() {
	e.mu.Lock()
	e.lastActive = time.Now()
	e.mu.Unlock()
}

func (e *Entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

// SessionManager owns the registry of live speaker sessions. Each /translate
// socket opens at most one entry; listeners attach to entries through the
// broker by session id. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg      *config.Config
	provider Providers
	streamer ttsqueue.Streamer
	guard    *usage.Guard
	metrics  *observe.Metrics

	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*Entry
}

// SessionManagerConfig holds the dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers Providers

	// Streamer is the listener fan-out broker. Nil disables streaming
	// delivery; synthesis falls back to unary playback on the speaker socket.
	Streamer ttsqueue.Streamer

	// Guard enforces plan quotas. Nil disables metering.
	Guard *usage.Guard

	Metrics     *observe.Metrics
	IdleTimeout time.Duration
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:         cfg.Config,
		provider:    cfg.Providers,
		streamer:    cfg.Streamer,
		guard:       cfg.Guard,
		metrics:     m,
		idleTimeout: idle,
		entries:     make(map[string]*Entry),
	}
}

// Open creates a speaker session with its synthesis coordinator and starts
// the upstream pipeline. Exhausted quotas refuse the session up front.
func (sm *SessionManager) Open(ctx context.Context, p OpenParams) (*Entry, error) {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	if !p.Mode.IsValid() {
		p.Mode = types.TTSConversation
	}

	if sm.guard != nil && p.UserID != "" {
		st, err := sm.guard.Check(ctx, p.UserID, p.PlanCode)
		if err != nil {
			return nil, fmt.Errorf("session manager: quota check: %w", err)
		}
		if st.Exceeded {
			return nil, &QuotaError{PercentUsed: st.PercentUsed}
		}
	}

	sm.mu.Lock()
	if prev, ok := sm.entries[p.SessionID]; ok {
		sm.mu.Unlock()
		return nil, fmt.Errorf("session manager: session %s is already open (user=%s)", p.SessionID, prev.UserID)
	}
	entry := &Entry{
		ID:         p.SessionID,
		UserID:     p.UserID,
		PlanCode:   p.PlanCode,
		emitter:    p.Emitter,
		startedAt:  time.Now(),
		lastActive: time.Now(),
	}
	sm.entries[p.SessionID] = entry
	sm.mu.Unlock()

	entry.Queue = sm.buildQueue(p, entry)
	entry.Session = sm.buildSession(p, entry)

	entry.Session.Start(ctx)
	sm.metrics.ActiveSessions.Add(ctx, 1)

	if sm.guard != nil && p.UserID != "" {
		go sm.meter(ctx, entry)
	}

	slog.Info("speaker session opened",
		"session_id", p.SessionID,
		"user_id", p.UserID,
		"source_lang", p.SourceLang,
		"target_lang", p.TargetLang,
		"tts_mode", string(p.Mode),
	)
	return entry, nil
}

// buildQueue wires the TTS coordinator for one session.
func (sm *SessionManager) buildQueue(p OpenParams, entry *Entry) *ttsqueue.Coordinator {
	if sm.provider.TTS == nil || p.Mode == types.TTSTextOnly {
		return nil
	}

	qcfg := ttsqueue.Config{
		SessionID: p.SessionID,
		Provider:  sm.provider.TTS,
		Mode:      p.Mode,
		Voice:     types.VoiceProfile{ID: p.VoiceID, Provider: sm.cfg.Providers.TTS.Name},
		Emitter:   emitterFunc(func(msg any) error { return p.Emitter.Send(msg) }),
		OnFatal: func(err error) {
			// Quota and auth failures on the synthesis path kill the whole
			// session, mirroring the recognition path.
			code := wire.CodeAuthFailed
			if errors.Is(err, tts.ErrQuotaExceeded) {
				code = wire.CodeQuotaExceeded
			}
			entry.Session.Fatal(code, err.Error())
		},
	}
	if p.Mode == types.TTSPreaching {
		qcfg.Streamer = sm.streamer
	}
	if sm.guard != nil && p.UserID != "" {
		qcfg.OnSynthesized = func(chars int) {
			// Off the playback goroutine: the store may be a database.
			go sm.bookSynthesis(entry, chars)
		}
	}
	if p.Mode == types.TTSConversation {
		qcfg.OnPlayStart = func(string) { entry.Session.PauseListening() }
		qcfg.OnPlayEnd = func(string) { entry.Session.ResumeListening() }
	}
	return ttsqueue.New(qcfg)
}

// buildSession wires the orchestrator session for one entry.
func (sm *SessionManager) buildSession(p OpenParams, entry *Entry) *orchestrator.Session {
	pl := sm.cfg.Pipeline
	scfg := orchestrator.Config{
		SessionID:       p.SessionID,
		SourceLang:      p.SourceLang,
		TargetLang:      p.TargetLang,
		Provider:        sm.provider.Speech,
		Emitter:         p.Emitter,
		SampleRate:      pl.SampleRate,
		ProfanityFilter: p.Profanity || pl.ProfanityFilter,
		Segmenter:       segmenterConfig(pl.Segmenter),

		SetupTimeout:         msDuration(pl.SetupTimeoutMs),
		AudioGrace:           msDuration(pl.AudioGraceMs),
		PendingAudioMax:      pl.PendingAudioMax,
		ReconnectBase:        msDuration(pl.Reconnect.BaseMs),
		ReconnectCap:         msDuration(pl.Reconnect.CapMs),
		ReconnectMaxAttempts: pl.Reconnect.MaxAttempts,

		OnFatal: func(code, message string) {
			sm.Close(entry.ID)
			if p.OnFatal != nil {
				p.OnFatal(code, message)
			}
		},
	}
	if entry.Queue != nil {
		scfg.TTS = entry.Queue
	}
	return orchestrator.New(scfg)
}

// Get returns the entry for a session id, or nil.
func (sm *SessionManager) Get(sessionID string) *Entry {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.entries[sessionID]
}

// Count reports the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.entries)
}

// Close tears down one session. Idempotent.
func (sm *SessionManager) Close(sessionID string) {
	sm.mu.Lock()
	entry, ok := sm.entries[sessionID]
	if ok {
		delete(sm.entries, sessionID)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	alreadyClosed := entry.closed
	entry.closed = true
	entry.mu.Unlock()
	if alreadyClosed {
		return
	}

	if entry.Queue != nil {
		entry.Queue.Close()
	}
	entry.Session.Close()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)

	if sm.guard != nil && entry.UserID != "" {
		sm.recordFinalUsage(entry)
	}

	slog.Info("speaker session closed",
		"session_id", sessionID,
		"duration", time.Since(entry.startedAt).Round(time.Second),
	)
}

// CloseAll tears down every session. Used on shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.entries))
	for id := range sm.entries {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	for _, id := range ids {
		sm.Close(id)
	}
}

// SweepIdle closes sessions that have gone silent for longer than the idle
// timeout. Called periodically from [App.Run].
func (sm *SessionManager) SweepIdle() {
	cutoff := time.Now().Add(-sm.idleTimeout)

	sm.mu.Lock()
	var idle []string
	for id, entry := range sm.entries {
		if entry.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	sm.mu.Unlock()

	for _, id := range idle {
		slog.Info("closing idle session", "session_id", id, "idle_timeout", sm.idleTimeout)
		sm.Close(id)
	}
}

// meter bills streaming time against the user's quota while the session is
// live. A crossed warn threshold emits one quota_warning; exhaustion kills
// the session through the fatal path.
func (sm *SessionManager) meter(ctx context.Context, entry *Entry) {
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entry.mu.Lock()
		closed := entry.closed
		entry.mu.Unlock()
		if closed {
			return
		}
		if entry.Session.State() != orchestrator.StateStreaming {
			continue
		}

		st, err := sm.guard.Consume(ctx, entry.PlanCode, usage.Record{
			UserID:       entry.UserID,
			SessionID:    entry.ID,
			AudioSeconds: meterInterval.Seconds(),
		})
		if err != nil {
			slog.Warn("usage metering failed", "session_id", entry.ID, "error", err)
			continue
		}
		if st.Exceeded {
			entry.Session.Fatal(wire.CodeQuotaExceeded, "plan quota exhausted")
			return
		}
		if st.Warn {
			if err := entry.emitter.Send(wire.QuotaEvent{
				Type:        wire.TypeQuotaWarning,
				PercentUsed: st.PercentUsed,
				Message:     "approaching plan quota",
			}); err != nil {
				slog.Debug("quota warning send failed", "session_id", entry.ID, "error", err)
			}
		}
	}
}

// bookSynthesis charges voiced characters against the plan quota. Exhaustion
// here kills the session the same way the streaming meter does.
func (sm *SessionManager) bookSynthesis(entry *Entry, chars int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := sm.guard.Consume(ctx, entry.PlanCode, usage.Record{
		UserID:           entry.UserID,
		SessionID:        entry.ID,
		SynthesizedChars: chars,
	})
	if err != nil {
		slog.Warn("synthesis usage record failed", "session_id", entry.ID, "error", err)
		return
	}
	if st.Exceeded {
		entry.Session.Fatal(wire.CodeQuotaExceeded, "plan quota exhausted")
	}
}

// recordFinalUsage books the remainder of the session that the periodic
// meter has not yet charged.
func (sm *SessionManager) recordFinalUsage(entry *Entry) {
	elapsed := time.Since(entry.startedAt)
	remainder := elapsed % meterInterval
	if remainder <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sm.guard.Consume(ctx, entry.PlanCode, usage.Record{
		UserID:       entry.UserID,
		SessionID:    entry.ID,
		AudioSeconds: remainder.Seconds(),
	}); err != nil {
		slog.Warn("final usage record failed", "session_id", entry.ID, "error", err)
	}
}

// QuotaError refuses a session whose plan is exhausted.
type QuotaError struct {
	PercentUsed float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("plan quota exhausted (%.1f%% used)", e.PercentUsed)
}

// emitterFunc adapts a function to the ttsqueue Emitter interface.
type emitterFunc func(msg any) error

func (f emitterFunc) Send(msg any) error { return f(msg) }

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// segmenterConfig maps the YAML segmenter block onto the segmenter's own
// config type. Zero fields keep the segmenter defaults.
func segmenterConfig(sc config.SegmenterConfig) segment.Config {
	return segment.Config{
		MaxSentences:        sc.MaxSentences,
		MaxChars:            sc.MaxChars,
		MaxInterval:         msDuration(sc.MaxAgeMs),
		BacklogMaxSentences: sc.BacklogMaxSentences,
		BacklogMaxChars:     sc.BacklogMaxChars,
		BacklogMaxInterval:  msDuration(sc.BacklogMaxAgeMs),
		FinalExtendWindow:   msDuration(sc.FinalExtensionMs),
	}
}
