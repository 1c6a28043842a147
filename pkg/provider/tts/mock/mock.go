// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to script synthesis results and failures, and to inspect the
// requests the TTS coordinator issued.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
)

// ErrSynthesis is the default failure returned when FailFirst is set without
// a SynthesizeErr.
var ErrSynthesis = errors.New("mock: synthesis failed")

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Synthesize when SynthesizeFunc is nil. If both
	// are nil, Synthesize fabricates a small result from the request text.
	Result *tts.SynthesisResult

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// FailFirst makes the first N Synthesize calls fail with SynthesizeErr
	// before succeeding. Used to exercise retry paths.
	FailFirst int

	// SynthesizeFunc, if set, fully overrides Synthesize.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (*tts.SynthesisResult, error)

	// StreamChunks are emitted by SynthesizeStream. If empty, the stream
	// carries the unary result as a single chunk.
	StreamChunks []tts.Chunk

	// StreamErr, if non-nil, is returned as the error from SynthesizeStream.
	StreamErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by every ListVoices call.
	ListVoicesErr error

	// SynthesizeCalls records every request passed to Synthesize or
	// SynthesizeStream, in order.
	SynthesizeCalls []tts.Request

	// ListVoicesCalls records the languageCode of every ListVoices call.
	ListVoicesCalls []string
}

// Synthesize records the call and returns the scripted result. When
// FailFirst is set, the first N calls fail and subsequent calls succeed even
// if SynthesizeErr remains set.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.SynthesisResult, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	fn := p.SynthesizeFunc
	res := p.Result
	var err error
	if p.FailFirst > 0 {
		p.FailFirst--
		err = p.SynthesizeErr
		if err == nil {
			err = ErrSynthesis
		}
		if p.FailFirst == 0 {
			p.SynthesizeErr = nil
		}
	} else {
		err = p.SynthesizeErr
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &tts.SynthesisResult{
		Audio:      []byte("audio:" + req.Text),
		DurationMs: 50 * len(req.Text),
		SampleRate: 24000,
		Codec:      types.CodecMP3,
	}, nil
}

// SynthesizeStream records the call and emits StreamChunks, or the unary
// result as a single chunk when no chunks were scripted.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	streamErr := p.StreamErr
	chunks := append([]tts.Chunk(nil), p.StreamChunks...)
	p.mu.Unlock()

	if streamErr != nil {
		p.mu.Lock()
		p.SynthesizeCalls = append(p.SynthesizeCalls, req)
		p.mu.Unlock()
		return nil, streamErr
	}
	if len(chunks) == 0 {
		res, err := p.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		chunks = []tts.Chunk{
			{Index: 0, Data: res.Audio, Codec: res.Codec},
			{Index: 1, Last: true, Codec: res.Codec},
		}
	} else {
		p.mu.Lock()
		p.SynthesizeCalls = append(p.SynthesizeCalls, req)
		p.mu.Unlock()
	}

	out := make(chan tts.Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// ListVoices records the call and returns Voices.
func (p *Provider) ListVoices(_ context.Context, languageCode string) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, languageCode)
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]types.VoiceProfile(nil), p.Voices...), nil
}

// Requests returns a snapshot of recorded synthesis requests. Thread-safe.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
