// Package gemini implements the speech.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks; recognition
// and translation results arrive as input/output transcriptions on the
// server content stream.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/pkg/provider/speech"
)

// Compile-time assertions that Provider and session satisfy the speech interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements speech.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// returned handle's Ready channel closes when the setupComplete
// acknowledgement arrives.
func (p *Provider) Connect(ctx context.Context, cfg speech.Config) (speech.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		sampleRate: cfg.SampleRate,
		events:     make(chan speech.Event, 64),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        sessCtx,
		cancel:     sessCancel,
	}
	if sess.sampleRate == 0 {
		sess.sampleRate = 16000
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// instructions renders the system prompt that turns the general model into a
// translation (or transcription) engine for this language pair.
func instructions(cfg speech.Config) string {
	if cfg.Mode == speech.ModeTranscribe {
		return fmt.Sprintf(
			"You are a real-time transcription engine. Transcribe the incoming "+
				"%s speech verbatim. Output only the transcript text.",
			cfg.SourceLang,
		)
	}
	return fmt.Sprintf(
		"You are a real-time speech translator. Translate the incoming %s "+
			"speech into %s. Output only the translated text, preserving "+
			"sentence boundaries.",
		cfg.SourceLang, cfg.TargetLang,
	)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *json.RawMessage   `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *json.RawMessage   `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// emptyObject marks a setup feature as enabled.
var emptyObject = json.RawMessage(`{}`)

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn       *websocket.Conn
	sampleRate int
	events     chan speech.Event
	ready      chan struct{}

	mu        sync.Mutex
	errVal    error
	closeCode int
	closed    bool

	// turnText and turnTranslated accumulate transcription deltas until the
	// provider signals turnComplete.
	turnText       string
	turnTranslated string

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	readyOnce sync.Once
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg speech.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"text"},
			},
			SystemInstruction: &systemInstruction{
				Parts: []part{{Text: instructions(cfg)}},
			},
			InputAudioTranscription: &emptyObject,
		},
	}
	if cfg.Mode != speech.ModeTranscribe {
		msg.Setup.OutputAudioTranscription = &emptyObject
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if msg.Error != nil {
		s.setErr(fmt.Errorf("gemini: %s (code %d)", msg.Error.Message, msg.Error.Code))
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	s.mu.Lock()
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.turnText += sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.turnTranslated += sc.OutputTranscription.Text
	}
	// Text-modality model turns carry the translation when output
	// transcription is not enabled.
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			s.turnTranslated += p.Text
		}
	}
	text, translated := s.turnText, s.turnTranslated
	if sc.TurnComplete {
		s.turnText, s.turnTranslated = "", ""
	}
	s.mu.Unlock()

	now := time.Now()
	switch {
	case sc.TurnComplete:
		if text != "" || translated != "" {
			s.emit(speech.Event{
				Text:       text,
				Translated: translated,
				Final:      true,
				Forced:     sc.Interrupted,
				Timestamp:  now,
			})
		}
		s.emit(speech.Event{TurnComplete: true, Timestamp: now})
	case text != "" || translated != "":
		s.emit(speech.Event{
			Text:       text,
			Translated: translated,
			Timestamp:  now,
		})
	}
}

func (s *session) emit(evt speech.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
		if code := websocket.CloseStatus(err); code != -1 {
			s.closeCode = int(code)
		}
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
		s.cancel()
		close(s.done)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Ready returns the channel closed on setupComplete.
func (s *session) Ready() <-chan struct{} { return s.ready }

// SendAudio delivers a raw PCM audio chunk (s16le, mono) to the model.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", s.sampleRate), Data: encoded},
			},
		},
	}
	return s.writeJSON(msg)
}

// FinishAudio sends the audioStreamEnd sentinel so the model finalizes the
// current turn.
func (s *session) FinishAudio() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("gemini: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{AudioStreamEnd: true},
	})
}

// Events returns the channel on which text results arrive.
func (s *session) Events() <-chan speech.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CloseCode returns the WebSocket close status from the provider, or zero.
func (s *session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Done returns the channel closed when the session has fully terminated.
func (s *session) Done() <-chan struct{} { return s.done }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
