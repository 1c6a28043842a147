// Package listen is the reference listener client for the /ws/tts audio
// fan-out: a jitter-buffered player behind a websocket client that speaks
// the audio.hello / audio.ack protocol. Browser clients implement the same
// contract; this package keeps a Go implementation around for end-to-end
// tests and headless consumers.
package listen

import (
	"fmt"
	"sync"
	"time"
)

// Jitter buffer targets. Playback starts only once this much audio is
// buffered; a drained buffer mid-play counts one underrun and re-arms the
// threshold.
const (
	// DefaultBufferTarget suits one-to-one conversation delivery.
	DefaultBufferTarget = 300 * time.Millisecond

	// BroadcastBufferTarget absorbs the higher arrival variance of
	// one-to-many fan-out.
	BroadcastBufferTarget = 500 * time.Millisecond
)

// Decoder turns encoded audio chunks into playable duration. Real clients
// decode into an audio device; tests measure.
type Decoder interface {
	// Decode consumes one encoded chunk and reports its playable duration.
	Decode(payload []byte) (time.Duration, error)

	// Close releases the decoder. Further Decode calls are invalid.
	Close() error
}

// DecoderFactory builds a decoder for one codec. Called on the first frame
// and again after every codec change or hard reset.
type DecoderFactory func(codec string, sampleRate int) (Decoder, error)

// PlayerConfig tunes a [Player].
type PlayerConfig struct {
	// BufferTarget is the jitter buffer threshold.
	// Defaults to [DefaultBufferTarget].
	BufferTarget time.Duration

	// SampleRate is passed to the decoder factory. Zero lets the decoder
	// pick its default.
	SampleRate int

	// NewDecoder builds codec pipelines. Required.
	NewDecoder DecoderFactory

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Player is the jitter-buffered playback model. Frames are fed in, buffered
// duration drains in real time once playback starts, and underruns are
// counted when the buffer empties mid-play. All methods are safe for
// concurrent use.
type Player struct {
	cfg PlayerConfig

	mu        sync.Mutex
	decoder   Decoder
	codec     string
	buffered  time.Duration
	playing   bool
	underruns int
	lastTick  time.Time
}

// NewPlayer creates a Player.
func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.BufferTarget <= 0 {
		cfg.BufferTarget = DefaultBufferTarget
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Player{cfg: cfg}
}

// Feed decodes one frame payload into the buffer. A codec different from the
// current pipeline's tears the pipeline down, discards everything buffered
// for the old codec, and rebuilds.
func (p *Player) Feed(codec string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick()

	if p.decoder == nil || codec != p.codec {
		if err := p.rebuild(codec); err != nil {
			return err
		}
	}

	d, err := p.decoder.Decode(payload)
	if err != nil {
		return fmt.Errorf("listen: decode %s frame: %w", codec, err)
	}
	p.buffered += d
	if !p.playing && p.buffered >= p.cfg.BufferTarget {
		p.playing = true
	}
	return nil
}

// rebuild swaps the decoder pipeline for a new codec. Caller holds p.mu.
func (p *Player) rebuild(codec string) error {
	if p.decoder != nil {
		_ = p.decoder.Close()
	}
	dec, err := p.cfg.NewDecoder(codec, p.cfg.SampleRate)
	if err != nil {
		p.decoder = nil
		return fmt.Errorf("listen: build %s decoder: %w", codec, err)
	}
	p.decoder = dec
	p.codec = codec
	p.buffered = 0
	p.playing = false
	return nil
}

// Reset performs a hard reset: the decoder is closed and discarded, the
// buffer emptied, and playback stopped. The next Feed rebuilds from scratch.
// Used after quota or decoder-limit errors.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decoder != nil {
		_ = p.decoder.Close()
		p.decoder = nil
	}
	p.codec = ""
	p.buffered = 0
	p.playing = false
	p.lastTick = time.Time{}
}

// BufferedMs reports the buffered playable audio, for audio.ack.
func (p *Player) BufferedMs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick()
	return int(p.buffered / time.Millisecond)
}

// Underruns reports the cumulative underrun count, for audio.ack.
func (p *Player) Underruns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick()
	return p.underruns
}

// Playing reports whether the buffer has reached its target and playback is
// live.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick()
	return p.playing
}

// Close releases the decoder.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decoder == nil {
		return nil
	}
	err := p.decoder.Close()
	p.decoder = nil
	return err
}

// tick drains buffered duration by the wall time elapsed since the last
// observation while playback is live. Caller holds p.mu.
func (p *Player) tick() {
	now := p.cfg.Now()
	if !p.lastTick.IsZero() && p.playing {
		p.buffered -= now.Sub(p.lastTick)
		if p.buffered <= 0 {
			p.buffered = 0
			p.playing = false
			p.underruns++
		}
	}
	p.lastTick = now
}
