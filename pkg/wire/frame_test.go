package wire_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/exalang/exastream/pkg/wire"
)

func TestEncodeDecodeFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	meta := wire.FrameMeta{
		StreamID:   "stream-1",
		SegmentID:  "seg-42",
		Version:    2,
		ChunkIndex: 7,
		IsLast:     true,
		TargetLang: "es",
		Codec:      "mp3",
	}
	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'a', 'u', 'd', 'i', 'o'}

	frame, err := wire.EncodeFrame(meta, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	if got := string(frame[:4]); got != wire.FrameMagic {
		t.Errorf("magic = %q, want %q", got, wire.FrameMagic)
	}
	headerLen := int(frame[4])
	if want := len(frame) - 5 - len(payload); headerLen != want {
		t.Errorf("header length byte = %d, want %d", headerLen, want)
	}

	gotMeta, gotPayload, err := wire.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("meta = %+v, want %+v", gotMeta, meta)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %v, want %v", gotPayload, payload)
	}
}

func TestEncodeDecodeFrame_EmptyPayload(t *testing.T) {
	t.Parallel()

	meta := wire.FrameMeta{StreamID: "s", SegmentID: "x", ChunkIndex: 0, Codec: "opus"}
	frame, err := wire.EncodeFrame(meta, nil)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	gotMeta, gotPayload, err := wire.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("meta = %+v, want %+v", gotMeta, meta)
	}
	if len(gotPayload) != 0 {
		t.Errorf("payload length = %d, want 0", len(gotPayload))
	}
}

func TestEncodeFrame_HeaderTooLarge(t *testing.T) {
	t.Parallel()

	meta := wire.FrameMeta{
		StreamID:  strings.Repeat("x", 200),
		SegmentID: strings.Repeat("y", 200),
	}
	_, err := wire.EncodeFrame(meta, []byte("p"))
	if !errors.Is(err, wire.ErrHeaderTooLarge) {
		t.Fatalf("err = %v, want ErrHeaderTooLarge", err)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, wire.ErrFrameTruncated},
		{"short", []byte("EXA"), wire.ErrFrameTruncated},
		{"bad magic", []byte("NOPE\x00"), wire.ErrBadMagic},
		{"header past end", append([]byte("EXA1"), 0xff), wire.ErrFrameTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := wire.DecodeFrame(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeFrame(%q) err = %v, want %v", tt.data, err, tt.want)
			}
		})
	}
}

func TestParseClientMessage(t *testing.T) {
	t.Parallel()

	t.Run("init", func(t *testing.T) {
		t.Parallel()
		msg, err := wire.ParseClientMessage([]byte(`{"type":"init","sourceLang":"en","targetLang":"es","ttsMode":"conversation"}`))
		if err != nil {
			t.Fatalf("ParseClientMessage: %v", err)
		}
		init, ok := msg.(wire.Init)
		if !ok {
			t.Fatalf("got %T, want wire.Init", msg)
		}
		if init.SourceLang != "en" || init.TargetLang != "es" {
			t.Errorf("languages = %q→%q, want en→es", init.SourceLang, init.TargetLang)
		}
	})

	t.Run("audio", func(t *testing.T) {
		t.Parallel()
		msg, err := wire.ParseClientMessage([]byte(`{"type":"audio","audioData":"AAAA","chunkIndex":3}`))
		if err != nil {
			t.Fatalf("ParseClientMessage: %v", err)
		}
		audio, ok := msg.(wire.Audio)
		if !ok {
			t.Fatalf("got %T, want wire.Audio", msg)
		}
		if audio.ChunkIndex != 3 {
			t.Errorf("ChunkIndex = %d, want 3", audio.ChunkIndex)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		if _, err := wire.ParseClientMessage([]byte(`{"type":"bogus"}`)); err == nil {
			t.Error("expected error for unknown type")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		if _, err := wire.ParseClientMessage([]byte(`{nope`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}

func TestParseListenerMessage(t *testing.T) {
	t.Parallel()

	msg, err := wire.ParseListenerMessage([]byte(`{"type":"audio.hello","clientId":"c1","capabilities":["mp3","opus"],"targetLang":"fr"}`))
	if err != nil {
		t.Fatalf("ParseListenerMessage: %v", err)
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		t.Fatalf("got %T, want wire.Hello", msg)
	}
	if hello.ClientID != "c1" || len(hello.Capabilities) != 2 || hello.TargetLang != "fr" {
		t.Errorf("unexpected hello: %+v", hello)
	}

	msg, err = wire.ParseListenerMessage([]byte(`{"type":"audio.ack","bufferedMs":420,"underruns":1}`))
	if err != nil {
		t.Fatalf("ParseListenerMessage ack: %v", err)
	}
	ack, ok := msg.(wire.Ack)
	if !ok {
		t.Fatalf("got %T, want wire.Ack", msg)
	}
	if ack.BufferedMs != 420 || ack.Underruns != 1 {
		t.Errorf("unexpected ack: %+v", ack)
	}
}
