package wire

import (
	"encoding/json"
	"fmt"
)

// Listener→server message types on the /ws/tts socket.
const (
	TypeAudioHello   = "audio.hello"
	TypeAudioSetLang = "audio.set_lang"
	TypeAudioAck     = "audio.ack"
)

// Server→listener message types on the /ws/tts socket.
const (
	TypeAudioReady     = "audio.ready"
	TypeAudioStart     = "audio.start"
	TypeAudioStreamEnd = "audio.end"
	TypeAudioCancel    = "audio.cancel"
	TypeAudioError     = "audio.error"
)

// Hello subscribes a listener to a session's audio fan-out.
type Hello struct {
	Type         string   `json:"type"`
	ClientID     string   `json:"clientId"`
	Capabilities []string `json:"capabilities"`
	Codec        string   `json:"codec,omitempty"`
	SampleRate   int      `json:"sampleRate,omitempty"`
	TargetLang   string   `json:"targetLang,omitempty"`
}

// SetLang changes a listener's target language without reconnecting.
type SetLang struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Lang     string `json:"lang"`
}

// Ack is the periodic listener health report used for flow control and
// dead-listener detection.
type Ack struct {
	Type       string `json:"type"`
	BufferedMs int    `json:"bufferedMs"`
	Underruns  int    `json:"underruns"`
}

// ParseListenerMessage decodes a /ws/tts client message into its concrete type.
func ParseListenerMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse listener message: %w", err)
	}

	switch env.Type {
	case TypeAudioHello:
		var m Hello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse audio.hello: %w", err)
		}
		return m, nil
	case TypeAudioSetLang:
		var m SetLang
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse audio.set_lang: %w", err)
		}
		return m, nil
	case TypeAudioAck:
		var m Ack
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: parse audio.ack: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown listener message type %q", env.Type)
	}
}

// Ready confirms a listener subscription.
type Ready struct {
	Type       string `json:"type"`
	StreamID   string `json:"streamId,omitempty"`
	Codec      string `json:"codec,omitempty"`
	TargetLang string `json:"targetLang,omitempty"`
}

// StreamControl covers audio.start and audio.end, bracketing the binary
// frames of one segment stream.
type StreamControl struct {
	Type       string `json:"type"`
	StreamID   string `json:"streamId"`
	SegmentID  string `json:"segmentId"`
	Version    int    `json:"version,omitempty"`
	TargetLang string `json:"targetLang,omitempty"`
	Codec      string `json:"codec,omitempty"`
}

// Cancel aborts a segment stream (or, with an empty SegmentID, the whole
// subscription) with a machine-readable reason.
type Cancel struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	SegmentID string `json:"segmentId,omitempty"`
	Reason    string `json:"reason"`
}

// StreamError reports a fan-out failure to a listener.
type StreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
