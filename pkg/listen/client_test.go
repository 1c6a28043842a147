package listen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/pkg/listen"
	"github.com/exalang/exastream/pkg/wire"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fanoutStub is a minimal /ws/tts server: it accepts one listener, records
// the hello and every ack, and plays a scripted segment.
type fanoutStub struct {
	mu    sync.Mutex
	hello *wire.Hello
	acks  []wire.Ack
}

func (f *fanoutStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		// hello first
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var hello wire.Hello
		if err := json.Unmarshal(data, &hello); err != nil {
			t.Errorf("bad hello: %v", err)
			return
		}
		f.mu.Lock()
		f.hello = &hello
		f.mu.Unlock()

		writeJSON := func(msg any) {
			out, _ := json.Marshal(msg)
			_ = conn.Write(ctx, websocket.MessageText, out)
		}
		writeJSON(wire.Ready{Type: wire.TypeAudioReady, TargetLang: hello.TargetLang})
		writeJSON(wire.StreamControl{Type: wire.TypeAudioStart, StreamID: "st1", SegmentID: "seg1"})

		frame, _ := wire.EncodeFrame(wire.FrameMeta{
			StreamID:  "st1",
			SegmentID: "seg1",
			Codec:     "mp3",
		}, make([]byte, 400))
		_ = conn.Write(ctx, websocket.MessageBinary, frame)
		writeJSON(wire.StreamControl{Type: wire.TypeAudioStreamEnd, StreamID: "st1", SegmentID: "seg1"})

		// collect acks until the client hangs up
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ack wire.Ack
			if json.Unmarshal(data, &ack) == nil && ack.Type == wire.TypeAudioAck {
				f.mu.Lock()
				f.acks = append(f.acks, ack)
				f.mu.Unlock()
			}
		}
	}
}

func (f *fanoutStub) helloReceived() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hello != nil
}

func (f *fanoutStub) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func TestClient_SubscribePlayAck(t *testing.T) {
	t.Parallel()

	stub := &fanoutStub{}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	player := listen.NewPlayer(listen.PlayerConfig{
		BufferTarget: 100 * time.Millisecond,
		NewDecoder: func(codec string, _ int) (listen.Decoder, error) {
			return &fakeDecoder{perByte: time.Millisecond, codec: codec}, nil
		},
	})

	var (
		ctrlMu   sync.Mutex
		controls []any
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := listen.Dial(ctx, listen.Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tts?sessionId=S1",
		ClientID:     "L1",
		TargetLang:   "es",
		Capabilities: []string{"mp3"},
		Player:       player,
		AckInterval:  20 * time.Millisecond,
		OnControl: func(msg any) {
			ctrlMu.Lock()
			controls = append(controls, msg)
			ctrlMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	waitFor(t, stub.helloReceived, "hello never reached the server")
	stub.mu.Lock()
	hello := *stub.hello
	stub.mu.Unlock()
	if hello.ClientID != "L1" || hello.TargetLang != "es" {
		t.Errorf("hello = %+v, want clientId L1 targetLang es", hello)
	}

	// 400 bytes at 1 ms/byte crosses the 100 ms target.
	waitFor(t, player.Playing, "player never reached its buffer target")
	waitFor(t, func() bool { return stub.ackCount() >= 2 }, "periodic acks never arrived")

	ctrlMu.Lock()
	sawStart := false
	for _, m := range controls {
		if sc, ok := m.(wire.StreamControl); ok && sc.Type == wire.TypeAudioStart {
			sawStart = true
		}
	}
	ctrlMu.Unlock()
	if !sawStart {
		t.Error("audio.start never surfaced through OnControl")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
