package resilience

import (
	"context"
	"errors"

	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
// Quota and auth failures abort the chain instead of failing over: they are
// session-fatal and trying another backend would only mask them.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Unrecoverable == nil {
		cfg.Unrecoverable = func(err error) bool {
			return errors.Is(err, tts.ErrQuotaExceeded) || errors.Is(err, tts.ErrAuthFailed)
		}
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize produces a complete clip from the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.SynthesisResult, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.SynthesisResult, error) {
		return p.Synthesize(ctx, req)
	})
}

// SynthesizeStream opens a chunked synthesis on the first healthy provider.
// Only stream setup is covered by failover; mid-stream errors are the
// caller's responsibility.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan tts.Chunk, error) {
		return p.SynthesizeStream(ctx, req)
	})
}

// ListVoices returns the catalogue of the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context, languageCode string) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx, languageCode)
	})
}
