// Package speech defines the Provider interface for streaming
// speech-recognition and speech-translation backends.
//
// A speech provider wraps a real-time service that accepts raw PCM audio and
// returns incremental text results — partial and final transcripts, and, in
// translation mode, partial and final translations — in a single stateful
// session. Examples include the Gemini Live API and similar bidirectional
// streaming models.
//
// The central abstraction is SessionHandle: a long-lived, bidirectional
// channel that carries audio upstream and text events downstream. Sessions
// are designed to survive for the lifetime of a client connection and are
// recreated by the orchestrator on language change or transient failure.
//
// All implementations must be safe for concurrent use.
package speech

import (
	"context"
	"time"
)

// Mode selects the provider pipeline for a session.
type Mode string

const (
	// ModeTranslate recognizes source-language speech and translates it into
	// the target language.
	ModeTranslate Mode = "translate"

	// ModeTranscribe recognizes speech without translation.
	ModeTranscribe Mode = "transcribe"
)

// Config is the initial configuration for a new speech session.
type Config struct {
	// SourceLang is the ISO-639-1 shortcode of the spoken language.
	SourceLang string

	// TargetLang is the ISO-639-1 shortcode translations are produced in.
	// Ignored in ModeTranscribe.
	TargetLang string

	// Mode selects between translation and transcription.
	Mode Mode

	// SampleRate is the input PCM sample rate in Hz. Zero means 16000.
	SampleRate int

	// ProfanityFilter asks the provider to mask profanity where supported.
	ProfanityFilter bool
}

// Event is one incremental text result from the provider. Text fields are
// cumulative for the current turn: each event carries the full turn text so
// far, not a delta.
type Event struct {
	// Text is the raw source-language transcript.
	Text string

	// Corrected is the grammar-corrected transcript when the provider
	// supplies one. Empty otherwise.
	Corrected string

	// Translated is the target-language text. Empty in transcription mode
	// and for transcript-only events.
	Translated string

	// Final marks a terminal result for the turn.
	Final bool

	// Forced marks a final the provider produced under forced flush rather
	// than at a natural turn boundary.
	Forced bool

	// TurnComplete marks the end of a provider turn. A TurnComplete event
	// carries no text.
	TurnComplete bool

	// Timestamp is when the provider produced the result.
	Timestamp time.Time
}

// SessionHandle represents an open speech session. It is an interface so that
// test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of the translation pipeline — every method must
// return quickly. Results are channel-based to avoid blocking the caller's
// audio path. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Ready returns a channel that is closed once the provider has
	// acknowledged session setup and will accept audio. If the session fails
	// before setup completes, Ready never closes; callers should race it
	// against a deadline and Done.
	Ready() <-chan struct{}

	// SendAudio delivers a raw PCM chunk (s16le mono at the configured
	// sample rate) to the provider. Returns an error if the session is
	// closed or the write fails.
	SendAudio(chunk []byte) error

	// FinishAudio signals end-of-utterance so the provider finalizes any
	// pending partial result.
	FinishAudio() error

	// Events returns a read-only channel of incremental text results. The
	// channel is closed when the session ends; after it closes, call Err to
	// check whether the session ended cleanly.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// CloseCode returns the WebSocket close status received from the
	// provider, or zero if the session did not end with a close frame.
	// The orchestrator uses it to classify failures for reconnect policy.
	CloseCode() int

	// Done returns a channel that is closed when the session has fully
	// terminated.
	Done() <-chan struct{}

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming speech backend.
//
// Implementations must be safe for concurrent use. The server opens one
// session per client; language changes and reconnects open fresh sessions.
type Provider interface {
	// Connect dials the provider and sends session setup. The returned
	// handle buffers no audio of its own: callers must wait on Ready before
	// streaming, or queue chunks themselves.
	//
	// Returns an error if the connection cannot be established (e.g.,
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg Config) (SessionHandle, error)
}
