// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls, inject dial failures for reconnect
// tests, and feed controlled sessions. Use Session to drive the event stream
// and inspect which methods the orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.MarkReady()
//	sess.Emit(speech.Event{Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/exalang/exastream/pkg/provider/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg speech.Config
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh NewSession each time.
	Session speech.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// FailDials makes the first N Connect calls fail with ConnectErr (or a
	// default error) before succeeding. Used to exercise reconnect backoff.
	FailDials int

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out by Connect, in order.
	Sessions []*Session
}

// Connect records the call and returns Session (or a fresh one), honoring
// FailDials and ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.Config) (speech.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.FailDials > 0 {
		p.FailDials--
		if p.ConnectErr != nil {
			return nil, p.ConnectErr
		}
		return nil, context.DeadlineExceeded
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	sess := NewSession()
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Calls returns a snapshot of recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// Session is a mock implementation of speech.SessionHandle.
// Drive it with MarkReady, Emit, and Fail; inspect SendAudioCalls afterwards.
type Session struct {
	mu sync.Mutex

	events chan speech.Event
	ready  chan struct{}
	done   chan struct{}

	errVal    error
	closeCode int

	readyOnce sync.Once
	closeOnce sync.Once

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinishAudioErr, if non-nil, is returned by every FinishAudio call.
	FinishAudioErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// FinishAudioCallCount is the number of times FinishAudio was called.
	FinishAudioCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered channels ready for scripting.
func NewSession() *Session {
	return &Session{
		events: make(chan speech.Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// MarkReady closes the Ready channel, simulating provider setup completion.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Emit pushes an event to the session's Events channel.
func (s *Session) Emit(evt speech.Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// Fail terminates the session with err and an optional close code, as a real
// session would after a network failure.
func (s *Session) Fail(err error, closeCode int) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
		s.closeCode = closeCode
	}
	s.mu.Unlock()
	s.terminate()
}

// End terminates the session cleanly.
func (s *Session) End() { s.terminate() }

func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.events)
		close(s.done)
	})
}

// Ready returns the channel closed by MarkReady.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// FinishAudio records the call and returns FinishAudioErr.
func (s *Session) FinishAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishAudioCallCount++
	return s.FinishAudioErr
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan speech.Event { return s.events }

// Err returns the error set by Fail, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CloseCode returns the close code set by Fail, or zero.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Done returns the channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close records the call and terminates the session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.terminate()
	return nil
}

// Audio returns a snapshot of recorded SendAudio chunks. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Ensure Session implements speech.SessionHandle at compile time.
var _ speech.SessionHandle = (*Session)(nil)
