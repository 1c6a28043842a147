// Package wire defines the Exastream wire protocol: the EXA1 binary audio
// frame envelope and the JSON control messages exchanged on the /translate
// and /ws/tts sockets.
//
// The binary envelope is deliberately simple — a fixed magic, a one-byte
// header length, a JSON metadata header, and an opaque payload — so that
// browser clients can parse it with a DataView and a single JSON.parse.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameMagic is the four-byte ASCII marker that opens every binary audio frame.
const FrameMagic = "EXA1"

// maxHeaderLen is the largest metadata header the one-byte length field can
// describe.
const maxHeaderLen = 255

// Frame decoding errors.
var (
	// ErrBadMagic indicates the frame does not start with [FrameMagic].
	ErrBadMagic = errors.New("wire: bad frame magic")

	// ErrFrameTruncated indicates the frame is shorter than its header claims.
	ErrFrameTruncated = errors.New("wire: truncated frame")

	// ErrHeaderTooLarge indicates the metadata header exceeds 255 bytes.
	ErrHeaderTooLarge = errors.New("wire: metadata header exceeds 255 bytes")
)

// FrameMeta is the JSON metadata header carried by every audio frame.
type FrameMeta struct {
	// StreamID identifies the logical audio stream (one per session+language).
	StreamID string `json:"streamId"`

	// SegmentID is the committed segment this audio belongs to.
	SegmentID string `json:"segmentId"`

	// Version is the segment version that was synthesized.
	Version int `json:"version"`

	// ChunkIndex is monotonic per (StreamID, SegmentID).
	ChunkIndex int `json:"chunkIndex"`

	// IsLast marks the final frame of the segment stream.
	IsLast bool `json:"isLast"`

	// TargetLang is the ISO-639-1 shortcode the audio was synthesized for.
	TargetLang string `json:"targetLang"`

	// Codec names the payload encoding ("mp3", "opus").
	Codec string `json:"codec"`
}

// EncodeFrame assembles a binary audio frame: magic, one header-length byte,
// the JSON-encoded meta, and the opaque payload. The payload is copied into
// the result so the caller may reuse its buffer.
func EncodeFrame(meta FrameMeta, payload []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame meta: %w", err)
	}
	if len(header) > maxHeaderLen {
		return nil, ErrHeaderTooLarge
	}

	buf := make([]byte, 0, len(FrameMagic)+1+len(header)+len(payload))
	buf = append(buf, FrameMagic...)
	buf = append(buf, byte(len(header)))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeFrame parses a binary audio frame produced by [EncodeFrame]. The
// returned payload aliases data; callers that retain it past the lifetime of
// data must copy.
func DecodeFrame(data []byte) (FrameMeta, []byte, error) {
	if len(data) < len(FrameMagic)+1 {
		return FrameMeta{}, nil, ErrFrameTruncated
	}
	if !bytes.Equal(data[:len(FrameMagic)], []byte(FrameMagic)) {
		return FrameMeta{}, nil, ErrBadMagic
	}

	headerLen := int(data[len(FrameMagic)])
	headerStart := len(FrameMagic) + 1
	if len(data) < headerStart+headerLen {
		return FrameMeta{}, nil, ErrFrameTruncated
	}

	var meta FrameMeta
	if err := json.Unmarshal(data[headerStart:headerStart+headerLen], &meta); err != nil {
		return FrameMeta{}, nil, fmt.Errorf("wire: unmarshal frame meta: %w", err)
	}
	return meta, data[headerStart+headerLen:], nil
}
