// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform interface with two entry points:
// Synthesize for one-shot requests that return a complete encoded blob, and
// SynthesizeStream for chunked delivery that lets the broker start fanning
// audio out before synthesis finishes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/exalang/exastream/pkg/types"
)

// Sentinel errors providers map their backend failures onto. The TTS
// coordinator keys fatal-versus-retryable handling off these.
var (
	// ErrQuotaExceeded means the account is out of synthesis quota. Fatal
	// for the session: the coordinator drains its queues and reports it.
	ErrQuotaExceeded = errors.New("tts: quota exceeded")

	// ErrAuthFailed means the credentials were rejected.
	ErrAuthFailed = errors.New("tts: authentication failed")

	// ErrNotConnected means the provider's streaming connection is not
	// available. Retryable.
	ErrNotConnected = errors.New("tts: not connected")

	// ErrVoiceNotFound means the requested voice does not exist or is not
	// available on the caller's plan.
	ErrVoiceNotFound = errors.New("tts: voice not found")
)

// Request describes one synthesis job.
type Request struct {
	// Text is the text to synthesize.
	Text string

	// LanguageCode is the full locale of the text (e.g., "es-ES", "cmn-CN").
	LanguageCode string

	// Voice selects the voice. A zero Voice lets the provider pick its
	// default for LanguageCode.
	Voice types.VoiceProfile

	// Codec is the desired output encoding ("mp3", "opus"). Empty means the
	// provider default.
	Codec string

	// SampleRate is the desired output sample rate in Hz. Zero means the
	// provider default.
	SampleRate int
}

// SynthesisResult is the outcome of a unary Synthesize call.
type SynthesisResult struct {
	// Audio is the complete encoded audio blob.
	Audio []byte

	// DurationMs is the audio duration in milliseconds, when the provider
	// reports or derives it. Zero when unknown.
	DurationMs int

	// SampleRate is the output sample rate in Hz.
	SampleRate int

	// Codec names the encoding of Audio.
	Codec string
}

// Chunk is one piece of a streamed synthesis. A stream is a sequence of
// chunks with contiguous Index values; the final chunk has Last set. A chunk
// with a non-nil Err terminates the stream.
type Chunk struct {
	// Index is the zero-based position of this chunk in the stream.
	Index int

	// Data is the encoded audio bytes. Empty on the terminal chunk when the
	// provider flushes without trailing audio.
	Data []byte

	// Last marks the end of the stream.
	Last bool

	// Codec names the encoding of Data.
	Codec string

	// Err, if non-nil, reports a mid-stream failure. No further chunks
	// follow.
	Err error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per session).
type Provider interface {
	// Synthesize performs a one-shot synthesis and returns the complete
	// encoded result. Blocking; honor ctx for cancellation.
	Synthesize(ctx context.Context, req Request) (*SynthesisResult, error)

	// SynthesizeStream starts a streaming synthesis and returns a channel
	// of chunks. The channel is closed after the Last chunk or a chunk with
	// Err set. The caller must drain the channel to avoid blocking the
	// provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// ListVoices returns the voice catalogue for a language, given as a full
	// locale. An empty languageCode returns all voices. The list reflects
	// the provider's current catalogue and may change between calls.
	ListVoices(ctx context.Context, languageCode string) ([]types.VoiceProfile, error)
}
