package wire

import (
	"encoding/json"
	"fmt"
)

// Client→server message types on the /translate socket.
const (
	TypeInit          = "init"
	TypeAudio         = "audio"
	TypeAudioEnd      = "audio_end"
	TypeClientHidden  = "client_hidden"
	TypeClientVisible = "client_visible"
	TypeTTSStart      = "tts/start"
	TypeTTSStop       = "tts/stop"
	TypeTTSPause      = "tts/pause"
	TypeTTSResume     = "tts/resume"
	TypeTTSSynthesize = "tts/synthesize"
	TypeTTSListVoices = "tts/list_voices"
)

// Server→client message types on the /translate socket.
const (
	TypeInfo          = "info"
	TypeSessionReady  = "session_ready"
	TypeTranslation   = "translation"
	TypeTurnComplete  = "turn_complete"
	TypeWarning       = "warning"
	TypeError         = "error"
	TypeQuotaWarning  = "quota_warning"
	TypeQuotaExceeded = "quota_exceeded"
	TypeTTSAck        = "tts/ack"
	TypeTTSAudio      = "tts/audio"
	TypeTTSError      = "tts/error"
	TypeTTSVoices     = "tts/voices"
	TypeTTSRouting    = "tts/routing"
)

// Stable error codes carried by Error and TTSError messages.
const (
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeNotConnected  = "WS_NOT_CONNECTED"
	CodePlaybackError = "PLAYBACK_ERROR"
	CodeProviderError = "PROVIDER_ERROR"
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeSetupTimeout  = "SETUP_TIMEOUT"
	CodeSessionClosed = "SESSION_CLOSED"
)

// envelope is the minimal shape used to sniff a message's type before the
// full payload is decoded.
type envelope struct {
	Type string `json:"type"`
}

// ─── Client → server ────────────────────────────────────────────────────────

// Init configures (or reconfigures) a session. Re-issuing init with a
// different language pair while the session is live recreates the upstream
// provider connection and resets the segmenter.
type Init struct {
	Type            string `json:"type"`
	SourceLang      string `json:"sourceLang"`
	TargetLang      string `json:"targetLang"`
	Tier            string `json:"tier,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	VoiceID         string `json:"voiceId,omitempty"`
	TTSMode         string `json:"ttsMode,omitempty"`
	ProfanityFilter bool   `json:"profanityFilter,omitempty"`
}

// Audio carries one PCM16 16 kHz mono chunk, base64-encoded.
type Audio struct {
	Type            string `json:"type"`
	AudioData       string `json:"audioData"`
	ChunkIndex      int    `json:"chunkIndex,omitempty"`
	StartMs         int64  `json:"startMs,omitempty"`
	EndMs           int64  `json:"endMs,omitempty"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
	Streaming       bool   `json:"streaming,omitempty"`
}

// AudioEnd signals end-of-utterance.
type AudioEnd struct {
	Type string `json:"type"`
}

// Visibility marks the client tab hidden or visible. Hidden clients stop
// receiving partials; finals are still delivered.
type Visibility struct {
	Type string `json:"type"`
}

// TTSControl covers tts/start, tts/stop, tts/pause, and tts/resume.
type TTSControl struct {
	Type string `json:"type"`
}

// Synthesize requests a one-shot (unary) synthesis of a single segment.
type Synthesize struct {
	Type         string `json:"type"`
	SegmentID    string `json:"segmentId"`
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	VoiceID      string `json:"voiceId,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

// ListVoices requests the voice catalogue for a language.
type ListVoices struct {
	Type         string `json:"type"`
	LanguageCode string `json:"languageCode"`
}

// ParseClientMessage decodes a /translate client message into its concrete
// type. Unknown types return an error so the caller can reply with a warning
// rather than silently dropping the message.
func ParseClientMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse client message: %w", err)
	}

	switch env.Type {
	case TypeInit:
		var m Init
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse init: %w", err)
		}
		return m, nil
	case TypeAudio:
		var m Audio
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse audio: %w", err)
		}
		return m, nil
	case TypeAudioEnd:
		return AudioEnd{Type: env.Type}, nil
	case TypeClientHidden, TypeClientVisible:
		return Visibility{Type: env.Type}, nil
	case TypeTTSStart, TypeTTSStop, TypeTTSPause, TypeTTSResume:
		return TTSControl{Type: env.Type}, nil
	case TypeTTSSynthesize:
		var m Synthesize
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse tts/synthesize: %w", err)
		}
		return m, nil
	case TypeTTSListVoices:
		var m ListVoices
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse tts/list_voices: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown client message type %q", env.Type)
	}
}

// ─── Server → client ────────────────────────────────────────────────────────

// Info is a non-actionable informational message.
type Info struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionReady tells the client the upstream provider completed setup and
// audio will now flow.
type SessionReady struct {
	Type string `json:"type"`
}

// Translation is the primary text event on the client channel. The Type
// field carries either "translation" or one of the kinded variants
// (TRANSCRIPT_PARTIAL, TRANSCRIPT_FINAL, TRANSLATION_PARTIAL,
// TRANSLATION_FINAL), all with this shape.
type Translation struct {
	Type                string `json:"type"`
	IsPartial           bool   `json:"isPartial"`
	OriginalText        string `json:"originalText"`
	CorrectedText       string `json:"correctedText,omitempty"`
	TranslatedText      string `json:"translatedText,omitempty"`
	HasTranslation      bool   `json:"hasTranslation,omitempty"`
	IsTranscriptionOnly bool   `json:"isTranscriptionOnly,omitempty"`
	SeqID               int64  `json:"seqId"`
	SourceSeqID         int64  `json:"sourceSeqId,omitempty"`
	TargetLang          string `json:"targetLang"`
	Timestamp           int64  `json:"timestamp"`
	ServerTimestamp     int64  `json:"serverTimestamp,omitempty"`
	ForceFinal          bool   `json:"forceFinal,omitempty"`
	IsIncremental       bool   `json:"isIncremental,omitempty"`
}

// TurnComplete marks the end of a provider turn.
type TurnComplete struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Warning is a recoverable problem the client may surface.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is a fatal problem; the session is over or the request failed.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// QuotaEvent covers quota_warning and quota_exceeded.
type QuotaEvent struct {
	Type        string  `json:"type"`
	PercentUsed float64 `json:"percentUsed"`
	Message     string  `json:"message,omitempty"`
}

// TTSAck acknowledges a tts/start, stop, pause, or resume control.
type TTSAck struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// TTSAudio delivers a complete unary synthesis result.
type TTSAudio struct {
	Type      string       `json:"type"`
	SegmentID string       `json:"segmentId"`
	Audio     UnaryPayload `json:"audio"`
}

// UnaryPayload is the encoded blob of a unary synthesis.
type UnaryPayload struct {
	BytesBase64 string `json:"bytesBase64"`
	DurationMs  int    `json:"durationMs"`
	SampleRate  int    `json:"sampleRate"`
	Codec       string `json:"codec"`
}

// TTSError reports a synthesis or playback failure for one segment.
type TTSError struct {
	Type      string `json:"type"`
	SegmentID string `json:"segmentId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// TTSVoices is the reply to tts/list_voices.
type TTSVoices struct {
	Type         string       `json:"type"`
	Voices       []VoiceEntry `json:"voices"`
	AllowedTiers []string     `json:"allowedTiers"`
	PlanCode     string       `json:"planCode"`
}

// VoiceEntry is one catalogue row in TTSVoices.
type VoiceEntry struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Provider      string   `json:"provider"`
	LanguageCodes []string `json:"languageCodes,omitempty"`
	Tier          string   `json:"tier,omitempty"`
}

// TTSRouting reports which provider and voice served a synthesis request.
type TTSRouting struct {
	Type      string `json:"type"`
	VoiceName string `json:"voiceName"`
	Provider  string `json:"provider"`
	Tier      string `json:"tier,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}
