package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/pkg/wire"
)

// Conn is the subset of a listener WebSocket the broker needs. It is an
// interface so tests can capture writes without a live socket.
type Conn interface {
	// Write sends one message; binary selects the message type.
	Write(ctx context.Context, binary bool, data []byte) error

	// Close closes the socket with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// outMsg is one queued outbound message.
type outMsg struct {
	binary bool
	data   []byte
}

// listener is one registered subscriber. Metadata fields (targetLang, codecs,
// ack state) are owned by the broker actor goroutine; the outbox and conn are
// shared with the writer goroutine.
type listener struct {
	id         string
	sessionID  string
	targetLang string
	codecs     map[string]bool

	conn   Conn
	cfg    Config
	outbox chan outMsg
	done   chan struct{}
	evict  func(clientID, reason string)

	lastAck    time.Time
	bufferedMs int
	underruns  int

	stopOnce sync.Once
}

func newListener(id, sessionID, targetLang string, codecs []string, conn Conn, cfg Config, evict func(string, string)) *listener {
	l := &listener{
		id:         id,
		sessionID:  sessionID,
		targetLang: targetLang,
		conn:       conn,
		cfg:        cfg,
		outbox:     make(chan outMsg, cfg.OutboxDepth),
		done:       make(chan struct{}),
		evict:      evict,
		lastAck:    cfg.Now(),
	}
	l.setCodecs(codecs)
	return l
}

func (l *listener) setCodecs(codecs []string) {
	l.codecs = make(map[string]bool, len(codecs))
	for _, c := range codecs {
		l.codecs[c] = true
	}
}

// send enqueues a message without blocking. It reports false when the outbox
// is full, which the broker treats as overflow.
func (l *listener) send(m outMsg) bool {
	select {
	case <-l.done:
		return true // already stopping; not an overflow
	default:
	}
	select {
	case l.outbox <- m:
		return true
	default:
		return false
	}
}

// sendJSON marshals v and enqueues it as a text message.
func (l *listener) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal listener message", "client_id", l.id, "error", err)
		return true
	}
	return l.send(outMsg{data: data})
}

// writeLoop drains the outbox onto the socket. It exits when the listener is
// stopped or a write fails.
func (l *listener) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case m := <-l.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
			err := l.conn.Write(ctx, m.binary, m.data)
			cancel()
			if err != nil {
				l.evict(l.id, "write failed")
				l.stop(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// stop halts the writer and closes the socket. Idempotent.
func (l *listener) stop(code websocket.StatusCode, reason string) {
	l.stopOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close(code, reason)
	})
}

// dropOverflow tears the listener down after an outbox overflow: the cancel
// notice is written directly to the socket (bypassing the full outbox), then
// the socket closes. Runs on the broker actor goroutine; the write happens on
// a short-lived goroutine so the actor never blocks on a slow socket.
func (l *listener) dropOverflow() {
	l.stopOnce.Do(func() {
		close(l.done)
		data, _ := json.Marshal(wire.Cancel{
			Type:      wire.TypeAudioCancel,
			SessionID: l.sessionID,
			Reason:    CancelReasonOverflow,
		})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
			defer cancel()
			_ = l.conn.Write(ctx, false, data)
			_ = l.conn.Close(websocket.StatusPolicyViolation, "outbox overflow")
		}()
	})
}
