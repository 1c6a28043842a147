// Package ingress turns raw /translate socket messages into calls on the
// session pipeline. Protocol errors never kill the connection: malformed or
// unknown messages are logged, answered with a warning, and dropped.
package ingress

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/exalang/exastream/pkg/provider/tts"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

// Emitter sends server messages back to the client socket.
type Emitter interface {
	Send(msg any) error
}

// SessionControl is the slice of the orchestrator session the router drives.
type SessionControl interface {
	SendAudio(chunk types.AudioChunk)
	AudioEnd()
	UpdateLanguages(sourceLang, targetLang string)
}

// SpeechQueue is the slice of the TTS coordinator the router drives.
type SpeechQueue interface {
	Stop()
	Pause()
	Resume()
	SynthesizeOnce(ctx context.Context, text, languageCode string) (*tts.SynthesisResult, error)
}

// VoiceCatalog lists available synthesis voices.
type VoiceCatalog interface {
	ListVoices(ctx context.Context, languageCode string) ([]types.VoiceProfile, error)
}

// Config wires a Router. Nil collaborators disable the matching messages
// with a warning to the client.
type Config struct {
	SessionID string
	Emitter   Emitter

	// OnInit is invoked for every init message. The connection layer creates
	// or reconfigures the session there.
	OnInit func(init wire.Init)

	// OnVisibility is invoked for client_hidden / client_visible.
	OnVisibility func(hidden bool)

	Session SessionControl
	TTS     SpeechQueue
	Voices  VoiceCatalog

	// AllowedTiers and PlanCode decorate tts/voices replies.
	AllowedTiers []string
	PlanCode     string

	// TTSProvider and TTSVoice identify the synthesis backend in tts/routing
	// replies. Installed via SetRouting once the session exists.
	TTSProvider string
	TTSVoice    string
}

// Router dispatches parsed client messages. One Router serves one socket;
// methods are called from that socket's read loop only.
type Router struct {
	cfg Config
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// SetInit installs the init callback when it needs a reference to the
// constructed Router.
func (r *Router) SetInit(fn func(init wire.Init)) { r.cfg.OnInit = fn }

// SetSession installs the session created by the first init.
func (r *Router) SetSession(s SessionControl) { r.cfg.Session = s }

// SetTTS installs the TTS coordinator created by the first init.
func (r *Router) SetTTS(q SpeechQueue) { r.cfg.TTS = q }

// SetRouting installs the provider and voice reported in tts/routing replies.
func (r *Router) SetRouting(provider, voice string) {
	r.cfg.TTSProvider = provider
	r.cfg.TTSVoice = voice
}

// HandleMessage parses and dispatches one client message.
func (r *Router) HandleMessage(ctx context.Context, data []byte) {
	msg, err := wire.ParseClientMessage(data)
	if err != nil {
		slog.Debug("unparseable client message", "session_id", r.cfg.SessionID, "error", err)
		r.warn("unrecognized message", wire.CodeProtocolError)
		return
	}

	switch m := msg.(type) {
	case wire.Init:
		if r.cfg.OnInit != nil {
			r.cfg.OnInit(m)
		}
	case wire.Audio:
		r.handleAudio(m)
	case wire.AudioEnd:
		if r.cfg.Session != nil {
			r.cfg.Session.AudioEnd()
		}
	case wire.Visibility:
		if r.cfg.OnVisibility != nil {
			r.cfg.OnVisibility(m.Type == wire.TypeClientHidden)
		}
	case wire.TTSControl:
		r.handleTTSControl(m)
	case wire.Synthesize:
		r.handleSynthesize(ctx, m)
	case wire.ListVoices:
		r.handleListVoices(ctx, m)
	}
}

func (r *Router) handleAudio(m wire.Audio) {
	if r.cfg.Session == nil {
		r.warn("audio before init", wire.CodeProtocolError)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		slog.Debug("bad audio payload", "session_id", r.cfg.SessionID, "error", err)
		r.warn("audio payload is not valid base64", wire.CodeProtocolError)
		return
	}
	r.cfg.Session.SendAudio(types.AudioChunk{
		Data:            pcm,
		Index:           m.ChunkIndex,
		StartMs:         m.StartMs,
		EndMs:           m.EndMs,
		ClientTimestamp: m.ClientTimestamp,
	})
}

func (r *Router) handleTTSControl(m wire.TTSControl) {
	if r.cfg.TTS == nil {
		r.warn("tts is not enabled for this session", wire.CodeProtocolError)
		return
	}
	var action string
	switch m.Type {
	case wire.TypeTTSStart:
		r.cfg.TTS.Resume()
		action = "start"
	case wire.TypeTTSStop:
		r.cfg.TTS.Stop()
		action = "stop"
	case wire.TypeTTSPause:
		r.cfg.TTS.Pause()
		action = "pause"
	case wire.TypeTTSResume:
		r.cfg.TTS.Resume()
		action = "resume"
	}
	r.send(wire.TTSAck{Type: wire.TypeTTSAck, Action: action})
}

func (r *Router) handleSynthesize(ctx context.Context, m wire.Synthesize) {
	if r.cfg.TTS == nil {
		r.sendTTSError(m.SegmentID, wire.CodeProtocolError, "tts is not enabled for this session")
		return
	}
	started := time.Now()
	res, err := r.cfg.TTS.SynthesizeOnce(ctx, m.Text, m.LanguageCode)
	if err != nil {
		r.sendTTSError(m.SegmentID, wire.CodeProviderError, err.Error())
		return
	}
	r.send(wire.TTSAudio{
		Type:      wire.TypeTTSAudio,
		SegmentID: m.SegmentID,
		Audio: wire.UnaryPayload{
			BytesBase64: base64.StdEncoding.EncodeToString(res.Audio),
			DurationMs:  res.DurationMs,
			SampleRate:  res.SampleRate,
			Codec:       res.Codec,
		},
	})
	if r.cfg.TTSProvider != "" {
		r.send(wire.TTSRouting{
			Type:      wire.TypeTTSRouting,
			VoiceName: r.cfg.TTSVoice,
			Provider:  r.cfg.TTSProvider,
			LatencyMs: time.Since(started).Milliseconds(),
		})
	}
	slog.Debug("unary synthesis served",
		"session_id", r.cfg.SessionID,
		"segment_id", m.SegmentID,
		"latency", time.Since(started),
	)
}

func (r *Router) handleListVoices(ctx context.Context, m wire.ListVoices) {
	if r.cfg.Voices == nil {
		r.warn("voice listing is not available", wire.CodeProtocolError)
		return
	}
	voices, err := r.cfg.Voices.ListVoices(ctx, m.LanguageCode)
	if err != nil {
		r.sendTTSError("", wire.CodeProviderError, err.Error())
		return
	}
	entries := make([]wire.VoiceEntry, 0, len(voices))
	for _, v := range voices {
		entries = append(entries, wire.VoiceEntry{
			ID:            v.ID,
			Name:          v.Name,
			Provider:      v.Provider,
			LanguageCodes: v.LanguageCodes,
			Tier:          v.Tier,
		})
	}
	r.send(wire.TTSVoices{
		Type:         wire.TypeTTSVoices,
		Voices:       entries,
		AllowedTiers: r.cfg.AllowedTiers,
		PlanCode:     r.cfg.PlanCode,
	})
}

func (r *Router) warn(message, code string) {
	r.send(wire.Warning{Type: wire.TypeWarning, Message: message, Code: code})
}

func (r *Router) sendTTSError(segmentID, code, message string) {
	r.send(wire.TTSError{Type: wire.TypeTTSError, SegmentID: segmentID, Code: code, Message: message})
}

func (r *Router) send(msg any) {
	if r.cfg.Emitter == nil {
		return
	}
	if err := r.cfg.Emitter.Send(msg); err != nil {
		slog.Debug("send to client", "session_id", r.cfg.SessionID, "error", err)
	}
}
