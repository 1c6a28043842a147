package listen_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exalang/exastream/pkg/listen"
)

// fakeDecoder reports a fixed duration per byte fed to it.
type fakeDecoder struct {
	mu       sync.Mutex
	perByte  time.Duration
	codec    string
	decoded  int
	closed   bool
	decodeEr error
}

func (d *fakeDecoder) Decode(payload []byte) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decodeEr != nil {
		return 0, d.decodeEr
	}
	d.decoded += len(payload)
	return time.Duration(len(payload)) * d.perByte, nil
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// newTestPlayer returns a player over fake decoders (1 ms of audio per byte)
// and a manually advanced clock.
func newTestPlayer(t *testing.T, target time.Duration) (*listen.Player, *time.Time, *[]*fakeDecoder) {
	t.Helper()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var decoders []*fakeDecoder
	p := listen.NewPlayer(listen.PlayerConfig{
		BufferTarget: target,
		NewDecoder: func(codec string, _ int) (listen.Decoder, error) {
			d := &fakeDecoder{perByte: time.Millisecond, codec: codec}
			decoders = append(decoders, d)
			return d, nil
		},
		Now: func() time.Time { return now },
	})
	return p, &now, &decoders
}

func TestPlayer_StartsAtBufferTarget(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPlayer(t, 300*time.Millisecond)

	if err := p.Feed("mp3", make([]byte, 200)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p.Playing() {
		t.Error("playback started below the buffer target")
	}

	if err := p.Feed("mp3", make([]byte, 150)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Playing() {
		t.Error("playback did not start at the buffer target")
	}
	if got := p.BufferedMs(); got != 350 {
		t.Errorf("buffered = %dms, want 350", got)
	}
}

func TestPlayer_UnderrunRearmsTarget(t *testing.T) {
	t.Parallel()

	p, now, _ := newTestPlayer(t, 300*time.Millisecond)

	if err := p.Feed("mp3", make([]byte, 300)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Playing() {
		t.Fatal("playback never started")
	}

	// Drain past the buffered audio: one underrun, playback stops.
	*now = now.Add(400 * time.Millisecond)
	if p.Playing() {
		t.Error("playback survived a drained buffer")
	}
	if got := p.Underruns(); got != 1 {
		t.Errorf("underruns = %d, want 1", got)
	}

	// A trickle below the target must not restart playback.
	if err := p.Feed("mp3", make([]byte, 100)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p.Playing() {
		t.Error("playback restarted below the re-armed target")
	}
	if err := p.Feed("mp3", make([]byte, 250)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Playing() {
		t.Error("playback did not resume at the target")
	}
}

func TestPlayer_CodecChangeRebuildsPipeline(t *testing.T) {
	t.Parallel()

	p, _, decoders := newTestPlayer(t, 100*time.Millisecond)

	if err := p.Feed("mp3", make([]byte, 250)); err != nil {
		t.Fatalf("feed mp3: %v", err)
	}
	if !p.Playing() {
		t.Fatal("playback never started")
	}

	// Frames of a new codec discard the old pipeline and its buffer.
	if err := p.Feed("opus", make([]byte, 10)); err != nil {
		t.Fatalf("feed opus: %v", err)
	}
	if len(*decoders) != 2 {
		t.Fatalf("decoders built = %d, want 2", len(*decoders))
	}
	if !(*decoders)[0].closed {
		t.Error("old codec pipeline was not closed")
	}
	if p.Playing() {
		t.Error("playback carried over across the codec change")
	}
	if got := p.BufferedMs(); got != 10 {
		t.Errorf("buffered = %dms, want only the new codec's 10", got)
	}
}

func TestPlayer_HardReset(t *testing.T) {
	t.Parallel()

	p, _, decoders := newTestPlayer(t, 100*time.Millisecond)
	if err := p.Feed("mp3", make([]byte, 200)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	p.Reset()
	if !(*decoders)[0].closed {
		t.Error("reset did not close the decoder")
	}
	if p.Playing() || p.BufferedMs() != 0 {
		t.Error("reset did not empty the player")
	}

	// The next frame rebuilds from scratch.
	if err := p.Feed("mp3", make([]byte, 150)); err != nil {
		t.Fatalf("feed after reset: %v", err)
	}
	if len(*decoders) != 2 {
		t.Errorf("decoders built = %d, want a fresh one after reset", len(*decoders))
	}
	if !p.Playing() {
		t.Error("playback did not restart after reset")
	}
}

func TestPlayer_DecoderFailureSurfaces(t *testing.T) {
	t.Parallel()

	p, _, decoders := newTestPlayer(t, 100*time.Millisecond)
	if err := p.Feed("mp3", make([]byte, 10)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	(*decoders)[0].mu.Lock()
	(*decoders)[0].decodeEr = errors.New("corrupt chunk")
	(*decoders)[0].mu.Unlock()

	if err := p.Feed("mp3", make([]byte, 10)); err == nil {
		t.Error("decode failure did not surface")
	}
}
