// Package orchestrator owns the per-client session state machine. It
// multiplexes one upstream speech session per client, buffers audio until the
// provider acknowledges setup, reconnects with bounded backoff when the
// provider drops, and normalizes provider results into sequenced text events
// for the client channel, the segmenter, and the TTS coordinator.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exalang/exastream/internal/lang"
	"github.com/exalang/exastream/internal/segment"
	"github.com/exalang/exastream/pkg/provider/speech"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

// Default session parameters.
const (
	// DefaultSetupTimeout bounds how long provider setup may take.
	DefaultSetupTimeout = 10 * time.Second

	// DefaultAudioGrace is the window between audio_end and the upstream
	// audio-stream-end sentinel, letting in-flight bytes reach the provider.
	DefaultAudioGrace = 200 * time.Millisecond

	// DefaultPendingAudioMax caps the pre-setup audio buffer. Older chunks
	// are dropped first.
	DefaultPendingAudioMax = 10

	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectCap         = 4 * time.Second
	DefaultReconnectMaxAttempts = 3

	// fallbackReplaceWindow bounds how long a committed untranslated
	// fallback stays replaceable by a late-arriving translation final.
	fallbackReplaceWindow = 5 * time.Second

	// closeCodeServerError is the application close code surfaced on quota
	// exhaustion and auth failure.
	closeCodeServerError = 1011

	// closeCodeServiceRestart marks upstream restarts; reconnects after one
	// do not reset the failure counter.
	closeCodeServiceRestart = 1012
)

var errSetupTimeout = errors.New("provider setup deadline exceeded")

// Emitter sends server messages to the speaking client's socket.
type Emitter interface {
	Send(msg any) error
}

// SegmentSink receives committed segments. [ttsqueue.Coordinator] satisfies
// it.
type SegmentSink interface {
	Enqueue(seg types.Segment, text, original string)
}

// Config configures a [Session].
type Config struct {
	SessionID  string
	SourceLang string
	TargetLang string

	Provider speech.Provider
	Emitter  Emitter

	// TTS receives committed segments. Nil disables the audio pipeline.
	TTS SegmentSink

	SampleRate      int // default 16000
	ProfanityFilter bool

	// Segmenter tunes segmentation. Language fields are overwritten with the
	// session's languages.
	Segmenter segment.Config

	SetupTimeout         time.Duration
	AudioGrace           time.Duration
	PendingAudioMax      int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int

	// IsRestartCode classifies provider close codes as service restarts.
	IsRestartCode func(code int) bool

	// OnFatal is invoked once when the session dies for a non-recoverable
	// reason. The transport layer closes the socket with the matching
	// application code.
	OnFatal func(code, message string)

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.SetupTimeout == 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.AudioGrace == 0 {
		c.AudioGrace = DefaultAudioGrace
	}
	if c.PendingAudioMax == 0 {
		c.PendingAudioMax = DefaultPendingAudioMax
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.IsRestartCode == nil {
		c.IsRestartCode = func(code int) bool { return code == closeCodeServiceRestart }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one client's translation pipeline. Create with [New], start with
// [Start], feed through SendAudio/AudioEnd, and tear down with [Close]. All
// methods are safe for concurrent use.
type Session struct {
	cfg Config
	seq atomic.Int64

	mu                sync.Mutex
	state             State
	handle            speech.SessionHandle
	pendingAudio      []types.AudioChunk
	segmenter         *segment.Segmenter
	corrector         *segment.Corrector
	transcriptionOnly bool
	listenPaused      bool
	langChanged       bool
	announcePending   bool
	fallback          *fallbackCommit

	done      chan struct{}
	closeOnce sync.Once
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Session. It does not touch the network until [Session.Start].
func New(cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:             cfg,
		state:           StateConnecting,
		announcePending: true,
		done:            make(chan struct{}),
	}
	s.transcriptionOnly = lang.Same(cfg.SourceLang, cfg.TargetLang)
	s.rebuildPipeline()
	return s
}

// Start launches the provider connection loop.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	handle := s.handle
	s.state = StateClosed
	s.mu.Unlock()
	if handle != nil {
		_ = handle.Close()
	}
}

// Wait blocks until the connection loop has exited.
func (s *Session) Wait() { s.wg.Wait() }

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TranscriptionOnly reports whether source and target language match.
func (s *Session) TranscriptionOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptionOnly
}

// SendAudio forwards one PCM chunk upstream. Before the provider is ready the
// chunk is buffered, oldest-first eviction past the cap. While listening is
// paused (conversation-mode playback) audio is dropped.
func (s *Session) SendAudio(chunk types.AudioChunk) {
	s.mu.Lock()
	if s.listenPaused || s.state == StateClosed || s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	if s.state == StateReady || s.state == StateStreaming {
		handle := s.handle
		s.state = StateStreaming
		s.mu.Unlock()
		if err := handle.SendAudio(chunk.Data); err != nil {
			slog.Warn("send audio upstream",
				"session_id", s.cfg.SessionID, "chunk_index", chunk.Index, "error", err)
		}
		return
	}
	if len(s.pendingAudio) >= s.cfg.PendingAudioMax {
		dropped := s.pendingAudio[0]
		s.pendingAudio = s.pendingAudio[1:]
		slog.Debug("pre-setup audio buffer full, dropping oldest",
			"session_id", s.cfg.SessionID, "chunk_index", dropped.Index)
	}
	s.pendingAudio = append(s.pendingAudio, chunk)
	s.mu.Unlock()
}

// AudioEnd marks end-of-utterance. After a short grace window for in-flight
// bytes, the upstream stream-end sentinel is sent and the session drains.
func (s *Session) AudioEnd() {
	s.mu.Lock()
	if s.state != StateStreaming && s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	handle := s.handle
	s.mu.Unlock()

	time.AfterFunc(s.cfg.AudioGrace, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if err := handle.FinishAudio(); err != nil {
			slog.Debug("finish audio", "session_id", s.cfg.SessionID, "error", err)
		}
	})
}

// PauseListening drops incoming audio until [Session.ResumeListening]. Used
// by conversation-mode playback.
func (s *Session) PauseListening() {
	s.mu.Lock()
	s.listenPaused = true
	s.mu.Unlock()
}

// ResumeListening re-enables incoming audio.
func (s *Session) ResumeListening() {
	s.mu.Lock()
	s.listenPaused = false
	s.mu.Unlock()
}

// UpdateLanguages applies a re-issued init. A language change recreates the
// upstream connection and resets the segmentation pipeline; prior partial
// text is discarded. Either way the client receives a fresh session_ready.
func (s *Session) UpdateLanguages(sourceLang, targetLang string) {
	s.mu.Lock()
	if sourceLang == s.cfg.SourceLang && targetLang == s.cfg.TargetLang {
		ready := s.state == StateReady || s.state == StateStreaming || s.state == StateDraining
		if !ready {
			s.announcePending = true
		}
		s.mu.Unlock()
		if ready {
			s.emit(wire.SessionReady{Type: wire.TypeSessionReady})
		}
		return
	}
	s.cfg.SourceLang = sourceLang
	s.cfg.TargetLang = targetLang
	s.transcriptionOnly = lang.Same(sourceLang, targetLang)
	s.langChanged = true
	s.announcePending = true
	handle := s.handle
	s.mu.Unlock()

	slog.Info("session language change",
		"session_id", s.cfg.SessionID,
		"source_lang", sourceLang,
		"target_lang", targetLang,
	)
	if handle != nil {
		_ = handle.Close()
	}
}

// Fatal kills the session with a stable error code. Quota exhaustion emits
// the quota_exceeded event alongside the error.
func (s *Session) Fatal(code, message string) {
	s.fatalOnce.Do(func() {
		if code == wire.CodeQuotaExceeded {
			s.emit(wire.QuotaEvent{Type: wire.TypeQuotaExceeded, PercentUsed: 100, Message: message})
		}
		s.emit(wire.Error{Type: wire.TypeError, Message: message, Code: code})
		slog.Error("session fatal", "session_id", s.cfg.SessionID, "code", code, "message", message)
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(code, message)
		}
	})
	s.Close()
}

// ── connection loop ──

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	attempts := 0
	restartPrev := false

	for {
		if s.stopped(ctx) {
			return
		}
		// A language change recorded before the dial is already covered:
		// the dial below reads the current pair.
		if s.takeLangChanged() {
			s.rebuildPipeline()
		}
		s.setState(StateConnecting)
		handle, err := s.cfg.Provider.Connect(ctx, s.speechConfig())
		if err != nil {
			if !s.retry(ctx, &attempts, err) {
				return
			}
			continue
		}
		s.setHandle(handle)
		s.setState(StateSetupSent)

		switch s.awaitSetup(ctx, handle) {
		case setupOK:
			if s.takeLangChanged() {
				// The dial raced a language change; redial with the new
				// pair instead of going ready on the stale one.
				_ = handle.Close()
				s.rebuildPipeline()
				continue
			}
		case setupStopped:
			_ = handle.Close()
			return
		case setupFatal:
			return
		case setupFailed:
			_ = handle.Close()
			if s.takeLangChanged() {
				s.rebuildPipeline()
				continue
			}
			if !s.retry(ctx, &attempts, errSetupTimeout) {
				return
			}
			continue
		}

		s.flushPending(handle)
		s.setState(StateReady)
		if s.takeAnnounce() {
			s.emit(wire.SessionReady{Type: wire.TypeSessionReady})
		}
		if !restartPrev {
			attempts = 0
		}
		restartPrev = false

		s.consume(ctx, handle)
		_ = handle.Close()
		if s.stopped(ctx) {
			return
		}
		if s.takeLangChanged() {
			// Deliberate recreate; not a provider failure.
			s.rebuildPipeline()
			continue
		}
		code := handle.CloseCode()
		if code == closeCodeServerError {
			s.Fatal(wire.CodeAuthFailed, "speech provider rejected the session")
			return
		}
		restartPrev = s.cfg.IsRestartCode(code)
		if !s.retry(ctx, &attempts, handle.Err()) {
			return
		}
	}
}

type setupResult int

const (
	setupOK setupResult = iota
	setupFailed
	setupFatal
	setupStopped
)

func (s *Session) awaitSetup(ctx context.Context, handle speech.SessionHandle) setupResult {
	deadline := time.NewTimer(s.cfg.SetupTimeout)
	defer deadline.Stop()
	select {
	case <-handle.Ready():
		return setupOK
	case <-deadline.C:
		slog.Warn("provider setup deadline exceeded",
			"session_id", s.cfg.SessionID, "timeout", s.cfg.SetupTimeout)
		s.emit(wire.Warning{Type: wire.TypeWarning, Message: "speech provider setup timed out", Code: wire.CodeSetupTimeout})
		return setupFailed
	case <-handle.Done():
		if handle.CloseCode() == closeCodeServerError {
			s.Fatal(wire.CodeAuthFailed, "speech provider rejected the session")
			return setupFatal
		}
		return setupFailed
	case <-s.done:
		return setupStopped
	case <-ctx.Done():
		return setupStopped
	}
}

func (s *Session) retry(ctx context.Context, attempts *int, err error) bool {
	*attempts++
	if *attempts > s.cfg.ReconnectMaxAttempts {
		s.Fatal(wire.CodeProviderError, "speech provider unavailable")
		return false
	}
	s.setState(StateReconnecting)
	backoff := s.cfg.ReconnectBase << (*attempts - 1)
	if backoff > s.cfg.ReconnectCap {
		backoff = s.cfg.ReconnectCap
	}
	slog.Warn("provider connection lost, reconnecting",
		"session_id", s.cfg.SessionID,
		"attempt", *attempts,
		"backoff", backoff,
		"error", err,
	)
	s.emit(wire.Warning{
		Type:    wire.TypeWarning,
		Message: "reconnecting to speech provider",
		Code:    wire.CodeProviderError,
	})
	select {
	case <-time.After(backoff):
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) consume(ctx context.Context, handle speech.SessionHandle) {
	for {
		select {
		case evt, ok := <-handle.Events():
			if !ok {
				return
			}
			s.handleEvent(evt)
		case <-handle.Done():
			return
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ── event normalization ──

func (s *Session) handleEvent(evt speech.Event) {
	if evt.TurnComplete {
		s.emit(wire.TurnComplete{Type: wire.TypeTurnComplete, Timestamp: s.nowMs()})
		s.mu.Lock()
		if s.state == StateDraining {
			s.state = StateReady
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	transcriptionOnly := s.transcriptionOnly
	display := s.corrector.Observe(evt.Text, evt.Corrected)
	targetLang := s.cfg.TargetLang
	s.mu.Unlock()

	s.emitText(evt, display, transcriptionOnly, targetLang)

	// A translation final that re-delivers an utterance already committed as
	// an untranslated fallback replaces that commit instead of starting a new
	// segment: same ID, bumped version, translated text.
	if evt.Final && s.replaceFallback(evt) {
		return
	}

	// The segmenter runs on the text stream that feeds TTS and history: the
	// translated channel in translation mode, the corrected transcript
	// otherwise.
	pipelineText := display
	if !transcriptionOnly && evt.Translated != "" {
		pipelineText = evt.Translated
	}

	seq := s.seq.Load()
	s.mu.Lock()
	var up segment.Update
	if evt.Final {
		up = s.segmenter.OnFinal(pipelineText, seq, evt.Forced)
	} else {
		up = s.segmenter.OnPartial(pipelineText, seq)
	}
	sink := s.cfg.TTS
	s.mu.Unlock()

	if sink != nil {
		for _, seg := range up.Committed {
			sink.Enqueue(seg, seg.Text, evt.Text)
		}
	}

	if !transcriptionOnly && evt.Final && evt.Translated == "" && len(up.Committed) > 0 {
		last := up.Committed[len(up.Committed)-1]
		s.mu.Lock()
		s.fallback = &fallbackCommit{seg: last, original: evt.Text, at: s.cfg.Now()}
		s.mu.Unlock()
	}
}

// fallbackCommit remembers the most recent segment committed without a
// translation, keyed by the recognizer text that produced it.
type fallbackCommit struct {
	seg      types.Segment
	original string
	at       time.Time
}

// replaceFallback re-emits the recorded fallback segment with the next
// version and the translated text when evt delivers the translation for it.
// Reports whether the event was consumed.
func (s *Session) replaceFallback(evt speech.Event) bool {
	if evt.Translated == "" {
		return false
	}
	s.mu.Lock()
	fb := s.fallback
	if s.transcriptionOnly || fb == nil ||
		evt.Text != fb.original ||
		s.cfg.Now().Sub(fb.at) > fallbackReplaceWindow {
		s.mu.Unlock()
		return false
	}
	s.fallback = nil
	sink := s.cfg.TTS
	s.mu.Unlock()

	seg := fb.seg
	seg.Version++
	seg.Text = evt.Translated
	if sink != nil {
		sink.Enqueue(seg, seg.Text, evt.Text)
	}
	return true
}

func (s *Session) emitText(evt speech.Event, display string, transcriptionOnly bool, targetLang string) {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.cfg.Now()
	}

	kind := types.TranscriptPartial
	if evt.Final {
		kind = types.TranscriptFinal
	}
	msg := wire.Translation{
		Type:                string(kind),
		IsPartial:           !evt.Final,
		OriginalText:        evt.Text,
		IsTranscriptionOnly: transcriptionOnly,
		SeqID:               s.seq.Add(1),
		TargetLang:          targetLang,
		Timestamp:           ts.UnixMilli(),
		ServerTimestamp:     s.nowMs(),
		ForceFinal:          evt.Forced,
	}
	if display != evt.Text {
		msg.CorrectedText = display
	}
	if transcriptionOnly {
		msg.TranslatedText = evt.Text
	}
	s.emit(msg)

	if transcriptionOnly || evt.Translated == "" {
		return
	}
	kind = types.TranslationPartial
	if evt.Final {
		kind = types.TranslationFinal
	}
	s.emit(wire.Translation{
		Type:            string(kind),
		IsPartial:       !evt.Final,
		OriginalText:    evt.Text,
		TranslatedText:  evt.Translated,
		HasTranslation:  true,
		SeqID:           s.seq.Add(1),
		SourceSeqID:     msg.SeqID,
		TargetLang:      targetLang,
		Timestamp:       ts.UnixMilli(),
		ServerTimestamp: s.nowMs(),
		ForceFinal:      evt.Forced,
	})
}

// ── helpers ──

func (s *Session) speechConfig() speech.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := speech.ModeTranslate
	if s.transcriptionOnly {
		mode = speech.ModeTranscribe
	}
	return speech.Config{
		SourceLang:      s.cfg.SourceLang,
		TargetLang:      s.cfg.TargetLang,
		Mode:            mode,
		SampleRate:      s.cfg.SampleRate,
		ProfanityFilter: s.cfg.ProfanityFilter,
	}
}

// rebuildPipeline resets the segmenter and corrector for the current
// language pair.
func (s *Session) rebuildPipeline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	segCfg := s.cfg.Segmenter
	segCfg.SourceLang = s.cfg.SourceLang
	segCfg.TargetLang = s.cfg.TargetLang
	s.segmenter = segment.New(segCfg)
	s.corrector = &segment.Corrector{}
	s.fallback = nil
}

func (s *Session) flushPending(handle speech.SessionHandle) {
	s.mu.Lock()
	pend := s.pendingAudio
	s.pendingAudio = nil
	s.mu.Unlock()
	for _, chunk := range pend {
		if err := handle.SendAudio(chunk.Data); err != nil {
			slog.Debug("replay buffered audio", "session_id", s.cfg.SessionID, "error", err)
			return
		}
	}
	if len(pend) > 0 {
		slog.Debug("replayed buffered audio", "session_id", s.cfg.SessionID, "chunks", len(pend))
	}
}

func (s *Session) setHandle(h speech.SessionHandle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) takeAnnounce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.announcePending
	s.announcePending = false
	return v
}

func (s *Session) takeLangChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.langChanged
	s.langChanged = false
	return v
}

func (s *Session) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	return ctx.Err() != nil
}

func (s *Session) nowMs() int64 {
	return s.cfg.Now().UnixMilli()
}

func (s *Session) emit(msg any) {
	if s.cfg.Emitter == nil {
		return
	}
	if err := s.cfg.Emitter.Send(msg); err != nil {
		slog.Debug("emit client message", "session_id", s.cfg.SessionID, "error", err)
	}
}
