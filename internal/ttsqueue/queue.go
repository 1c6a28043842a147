// Package ttsqueue schedules synthesis and playback of committed segments.
//
// Each session owns one [Coordinator]. Segments enter a synthesis queue,
// synthesized audio moves to a playback queue, and at most one job is playing
// at any time. The coordinator never blocks its caller: enqueue is a queue
// append, and the synthesis and playback stages run on their own goroutines
// so a slow provider cannot stall the transcript pipeline.
package ttsqueue

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/exalang/exastream/internal/lang"
	"github.com/exalang/exastream/internal/resilience"
	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

// Default coordinator parameters.
const (
	// DefaultDedupWindow suppresses a segment whose text matches the
	// previously enqueued one within this window.
	DefaultDedupWindow = 3 * time.Second

	defaultQueueDepth = 8
	defaultSampleRate = 44100
)

// Emitter sends control and unary-audio messages back to the speaking
// client's socket.
type Emitter interface {
	Send(msg any) error
}

// Streamer fans encoded frames out to listener sockets. [broker.Broker]
// satisfies it.
type Streamer interface {
	Control(sessionID, targetLang, codec string, msg any)
	Broadcast(sessionID string, meta wire.FrameMeta, frame []byte)
	Cancel(sessionID, segmentID, reason string)
}

// Job is one segment moving through the synthesis and playback queues.
type Job struct {
	Segment  types.Segment
	Text     string // text to voice (the translation)
	Original string // speaker-language text, kept for fallback detection
	Status   types.JobStatus

	EnqueuedAt time.Time
	Result     *tts.SynthesisResult

	superseded bool
}

// isFallback reports whether the job voices untranslated text: the provider
// returned the original despite a differing target language. Such audio may
// be replaced when a corrected version of the segment arrives.
func (j *Job) isFallback() bool {
	return j.Text == j.Original && !lang.Same(j.Segment.SourceLang, j.Segment.TargetLang)
}

// Config configures a [Coordinator].
type Config struct {
	SessionID  string
	Provider   tts.Provider
	Mode       types.TTSMode
	Voice      types.VoiceProfile
	Codec      string
	SampleRate int

	// Streamer receives framed audio in preaching mode. Nil disables fan-out
	// and forces unary delivery.
	Streamer Streamer

	// Emitter receives unary audio and error messages. Nil discards them.
	Emitter Emitter

	// Breaker guards synthesis calls. A default breaker is created if nil.
	Breaker *resilience.CircuitBreaker

	DedupWindow time.Duration
	QueueDepth  int

	// OnPlayStart and OnPlayEnd bracket each playback. The session layer uses
	// them to pause the microphone in conversation mode.
	OnPlayStart func(segmentID string)
	OnPlayEnd   func(segmentID string)

	// OnFatal is invoked once when synthesis fails with a quota or auth
	// error. The coordinator drains itself before calling it.
	OnFatal func(err error)

	// OnSynthesized reports the character count of each successfully voiced
	// job. The session layer books it against the plan quota.
	OnSynthesized func(chars int)

	// Now overrides the clock. Tests inject a fake.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Codec == "" {
		c.Codec = types.CodecMP3
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts"})
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Coordinator owns one session's TTS pipeline. Safe for concurrent use.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	pending  []*Job          // synthesis queue, FIFO
	byID     map[string]*Job // latest job per segment id
	playing  *Job
	skip     chan struct{} // closes to interrupt the current playback
	paused   bool
	resumeCh chan struct{}
	draining bool

	lastText   string
	lastTextAt time.Time

	ready chan *Job // playback queue, FIFO
	wake  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	fatalOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Coordinator and starts its synthesis and playback workers.
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:   cfg,
		byID:  make(map[string]*Job),
		ready: make(chan *Job, cfg.QueueDepth),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	c.wg.Add(2)
	go c.synthLoop()
	go c.playLoop()
	return c
}

// Close stops both workers. In-flight provider calls are abandoned.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Enqueue schedules a committed segment for synthesis. In text-only mode it
// is a no-op. A segment whose text matches the previously enqueued one within
// the dedup window is dropped. A higher version of an already-known segment
// replaces the queued job when it has not been voiced yet; once voiced it is
// re-enqueued only if the voiced audio was an untranslated fallback.
func (c *Coordinator) Enqueue(seg types.Segment, text, original string) {
	if c.cfg.Mode == types.TTSTextOnly || text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}

	if prev, ok := c.byID[seg.ID]; ok && seg.Version > prev.Segment.Version {
		switch prev.Status {
		case types.JobPending:
			prev.Segment = seg
			prev.Text = text
			prev.Original = original
			return
		default:
			if !prev.isFallback() {
				slog.Debug("segment update skipped, already voiced",
					"segment_id", seg.ID, "version", seg.Version)
				return
			}
			prev.superseded = true
			if c.cfg.Streamer != nil {
				c.cfg.Streamer.Cancel(c.cfg.SessionID, seg.ID, "superseded")
			}
		}
	}

	now := c.cfg.Now()
	if now.Sub(c.lastTextAt) <= c.cfg.DedupWindow && nearDuplicate(text, c.lastText) {
		slog.Debug("duplicate segment dropped", "segment_id", seg.ID)
		return
	}
	c.lastText = text
	c.lastTextAt = now

	job := &Job{Segment: seg, Text: text, Original: original, Status: types.JobPending, EnqueuedAt: now}
	c.pending = append(c.pending, job)
	c.byID[seg.ID] = job
	c.wakeUp()
}

// nearDuplicate reports whether a and b would voice the same thing.
// Recognizers routinely re-emit a final with only punctuation or casing
// changed, so short texts must match exactly while longer ones tolerate a
// small edit distance.
func nearDuplicate(a, b string) bool {
	if a == b {
		return true
	}
	na, nb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if na == nb {
		return true
	}
	longest := max(len(na), len(nb))
	if longest < 12 {
		return false
	}
	return matchr.DamerauLevenshtein(na, nb) <= longest/10
}

// Stop discards every queued job and interrupts the current playback.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.pending = nil
	c.interruptLocked()
	c.mu.Unlock()
	c.drainReady()
}

// Pause holds back playback after the current job finishes.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
}

// Resume releases a paused coordinator.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

// Skip interrupts the current playback and moves on.
func (c *Coordinator) Skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptLocked()
}

// SynthesizeOnce serves a direct tts/synthesize request, bypassing the
// queues. The circuit breaker still applies.
func (c *Coordinator) SynthesizeOnce(ctx context.Context, text, languageCode string) (*tts.SynthesisResult, error) {
	var res *tts.SynthesisResult
	err := c.cfg.Breaker.Execute(func() error {
		var err error
		res, err = c.cfg.Provider.Synthesize(ctx, tts.Request{
			Text:         text,
			LanguageCode: languageCode,
			Voice:        c.cfg.Voice,
			Codec:        c.cfg.Codec,
			SampleRate:   c.cfg.SampleRate,
		})
		return err
	})
	return res, err
}

// Depths reports the synthesis and playback queue lengths.
func (c *Coordinator) Depths() (pending, ready int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.ready)
}

// Playing reports the segment id currently being voiced, if any.
func (c *Coordinator) Playing() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing == nil {
		return "", false
	}
	return c.playing.Segment.ID, true
}

// ── synthesis stage ──

func (c *Coordinator) synthLoop() {
	defer c.wg.Done()
	for {
		job := c.nextPending()
		if job == nil {
			return
		}
		if c.isSuperseded(job) {
			continue
		}

		if c.streaming() {
			// Streamed jobs synthesize during playback so audio starts
			// flowing as soon as the provider produces the first chunk.
			if !c.pushReady(job) {
				return
			}
			continue
		}

		res, err := c.synthesize(job)
		if err != nil {
			c.failJob(job, err)
			continue
		}
		job.Result = res
		c.setStatus(job, types.JobAudioReady)
		if !c.pushReady(job) {
			return
		}
	}
}

func (c *Coordinator) synthesize(job *Job) (*tts.SynthesisResult, error) {
	ctx, cancel := c.workCtx()
	defer cancel()
	var res *tts.SynthesisResult
	err := c.cfg.Breaker.Execute(func() error {
		var err error
		res, err = c.cfg.Provider.Synthesize(ctx, tts.Request{
			Text:         job.Text,
			LanguageCode: job.Segment.TargetLang,
			Voice:        c.cfg.Voice,
			Codec:        c.cfg.Codec,
			SampleRate:   c.cfg.SampleRate,
		})
		return err
	})
	return res, err
}

func (c *Coordinator) nextPending() *Job {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			job := c.pending[0]
			c.pending = c.pending[1:]
			// Leaving the pending queue closes the in-place-update window:
			// later versions of this segment now go through the voiced path.
			job.Status = types.JobSynthesizing
			c.mu.Unlock()
			return job
		}
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-c.done:
			return nil
		}
	}
}

func (c *Coordinator) pushReady(job *Job) bool {
	select {
	case c.ready <- job:
		return true
	case <-c.done:
		return false
	}
}

// ── playback stage ──

func (c *Coordinator) playLoop() {
	defer c.wg.Done()
	for {
		var job *Job
		select {
		case job = <-c.ready:
		case <-c.done:
			return
		}
		if c.isSuperseded(job) {
			continue
		}
		if !c.waitResumed() {
			return
		}

		skip := c.beginPlayback(job)
		if c.cfg.OnPlayStart != nil {
			c.cfg.OnPlayStart(job.Segment.ID)
		}

		var err error
		if c.streaming() {
			err = c.playStream(job, skip)
		} else {
			err = c.playUnary(job, skip)
		}

		if c.cfg.OnPlayEnd != nil {
			c.cfg.OnPlayEnd(job.Segment.ID)
		}
		if err != nil {
			// A playback failure skips to the next job; fatal errors have
			// already drained the queues.
			c.failJob(job, err)
			c.endPlayback(job, types.JobFailed)
			continue
		}
		c.endPlayback(job, types.JobDone)
		if c.cfg.OnSynthesized != nil {
			c.cfg.OnSynthesized(len(job.Text))
		}
	}
}

// playUnary ships the whole blob to the speaker client and holds the playing
// slot for the audio's duration, so queued jobs do not talk over each other.
func (c *Coordinator) playUnary(job *Job, skip chan struct{}) error {
	res := job.Result
	if res == nil {
		return errors.New("no synthesis result")
	}
	err := c.emit(wire.TTSAudio{
		Type:      wire.TypeTTSAudio,
		SegmentID: job.Segment.ID,
		Audio: wire.UnaryPayload{
			BytesBase64: base64.StdEncoding.EncodeToString(res.Audio),
			DurationMs:  res.DurationMs,
			SampleRate:  res.SampleRate,
			Codec:       res.Codec,
		},
	})
	if err != nil {
		return err
	}
	if res.DurationMs <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(res.DurationMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-skip:
	case <-c.done:
	}
	return nil
}

// playStream synthesizes chunk by chunk and fans frames out through the
// broker, bracketed by audio.start and audio.end.
func (c *Coordinator) playStream(job *Job, skip chan struct{}) error {
	ctx, cancel := c.workCtx()
	defer cancel()

	var ch <-chan tts.Chunk
	err := c.cfg.Breaker.Execute(func() error {
		var err error
		ch, err = c.cfg.Provider.SynthesizeStream(ctx, tts.Request{
			Text:         job.Text,
			LanguageCode: job.Segment.TargetLang,
			Voice:        c.cfg.Voice,
			Codec:        c.cfg.Codec,
			SampleRate:   c.cfg.SampleRate,
		})
		return err
	})
	if err != nil {
		return err
	}

	ctrl := wire.StreamControl{
		StreamID:   c.cfg.SessionID,
		SegmentID:  job.Segment.ID,
		Version:    job.Segment.Version,
		TargetLang: job.Segment.TargetLang,
		Codec:      c.cfg.Codec,
	}
	ctrl.Type = wire.TypeAudioStart
	c.cfg.Streamer.Control(c.cfg.SessionID, job.Segment.TargetLang, c.cfg.Codec, ctrl)

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				ctrl.Type = wire.TypeAudioStreamEnd
				c.cfg.Streamer.Control(c.cfg.SessionID, job.Segment.TargetLang, c.cfg.Codec, ctrl)
				return nil
			}
			if chunk.Err != nil {
				c.cfg.Streamer.Cancel(c.cfg.SessionID, job.Segment.ID, "error")
				return chunk.Err
			}
			meta := wire.FrameMeta{
				StreamID:   c.cfg.SessionID,
				SegmentID:  job.Segment.ID,
				Version:    job.Segment.Version,
				ChunkIndex: chunk.Index,
				IsLast:     chunk.Last,
				TargetLang: job.Segment.TargetLang,
				Codec:      c.cfg.Codec,
			}
			frame, err := wire.EncodeFrame(meta, chunk.Data)
			if err != nil {
				c.cfg.Streamer.Cancel(c.cfg.SessionID, job.Segment.ID, "error")
				return err
			}
			c.cfg.Streamer.Broadcast(c.cfg.SessionID, meta, frame)
		case <-skip:
			c.cfg.Streamer.Cancel(c.cfg.SessionID, job.Segment.ID, "skipped")
			return nil
		case <-c.done:
			return nil
		}
	}
}

// ── shared state helpers ──

func (c *Coordinator) streaming() bool {
	return c.cfg.Mode == types.TTSPreaching && c.cfg.Streamer != nil
}

func (c *Coordinator) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) workCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Coordinator) setStatus(job *Job, s types.JobStatus) {
	c.mu.Lock()
	job.Status = s
	c.mu.Unlock()
}

func (c *Coordinator) isSuperseded(job *Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return job.superseded || c.draining
}

func (c *Coordinator) beginPlayback(job *Job) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.Status = types.JobPlaying
	c.playing = job
	c.skip = make(chan struct{})
	return c.skip
}

func (c *Coordinator) endPlayback(job *Job, s types.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job.Status = s
	c.playing = nil
	c.skip = nil
}

// interruptLocked closes the current playback's skip channel. Caller holds mu.
func (c *Coordinator) interruptLocked() {
	if c.skip != nil {
		close(c.skip)
		c.skip = nil
	}
}

// waitResumed blocks while paused. Reports false when the coordinator closed.
func (c *Coordinator) waitResumed() bool {
	for {
		c.mu.Lock()
		paused, ch := c.paused, c.resumeCh
		c.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ch:
		case <-c.done:
			return false
		}
	}
}

func (c *Coordinator) drainReady() {
	for {
		select {
		case job := <-c.ready:
			c.mu.Lock()
			job.Status = types.JobFailed
			c.mu.Unlock()
		default:
			return
		}
	}
}

// failJob classifies a synthesis or playback error. Quota and auth failures
// are fatal for the session; a disconnected client drops the job; anything
// else is reported and skipped.
func (c *Coordinator) failJob(job *Job, err error) {
	c.setStatus(job, types.JobFailed)
	switch {
	case errors.Is(err, tts.ErrQuotaExceeded) || errors.Is(err, tts.ErrAuthFailed):
		c.fatal(err)
	case errors.Is(err, tts.ErrNotConnected):
		slog.Warn("dropping segment, client not connected", "segment_id", job.Segment.ID)
		_ = c.emit(wire.TTSError{
			Type:      wire.TypeTTSError,
			SegmentID: job.Segment.ID,
			Code:      wire.CodeNotConnected,
			Message:   "client not connected",
		})
	default:
		slog.Warn("synthesis failed, skipping segment",
			"segment_id", job.Segment.ID, "error", err)
		_ = c.emit(wire.TTSError{
			Type:      wire.TypeTTSError,
			SegmentID: job.Segment.ID,
			Code:      wire.CodeProviderError,
			Message:   err.Error(),
		})
	}
}

// fatal drains the coordinator and reports once. Further enqueues no-op.
func (c *Coordinator) fatal(err error) {
	c.mu.Lock()
	c.draining = true
	c.pending = nil
	c.interruptLocked()
	c.mu.Unlock()
	c.drainReady()
	c.fatalOnce.Do(func() {
		slog.Error("synthesis quota or auth failure, draining session", "error", err)
		if c.cfg.OnFatal != nil {
			// The teardown triggered by OnFatal ends in Close, which waits
			// for the worker goroutine running this callback.
			go c.cfg.OnFatal(err)
		}
	})
}

func (c *Coordinator) emit(msg any) error {
	if c.cfg.Emitter == nil {
		return nil
	}
	return c.cfg.Emitter.Send(msg)
}
