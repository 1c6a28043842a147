// Package broker fans encoded audio frames out from the TTS coordinator to
// zero or more listener sockets, keyed by session and target language.
//
// The listener registry is modeled as an actor: a single goroutine owns the
// map and applies register, unregister, set_lang, ack, and broadcast
// operations received on a channel. This makes broadcast ordering
// well-defined per sender and removes fine-grained locking. Slow listeners
// never backpressure the sender: each listener has a bounded outbox drained
// by its own writer goroutine, and overflow disconnects that listener with
// an audio.cancel{reason:"overflow"}.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/pkg/wire"
)

// Default broker parameters.
const (
	defaultOutboxDepth  = 64
	defaultAckTimeout   = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// CancelReasonOverflow is sent when a listener's outbox fills up.
const CancelReasonOverflow = "overflow"

// Config configures a [Broker].
type Config struct {
	// OutboxDepth is the per-listener outbox capacity in messages.
	// Defaults to 64 if zero.
	OutboxDepth int

	// AckTimeout is how long a listener may go without an audio.ack before
	// it is presumed dead and disconnected. Defaults to 10s if zero.
	AckTimeout time.Duration

	// WriteTimeout bounds a single socket write. Defaults to 5s if zero.
	WriteTimeout time.Duration

	// Now overrides the clock. Tests inject a fake.
	Now func() time.Time
}

// Broker owns the listener registry. Create with [New], start with [Run],
// and interact through the exported methods, all of which are safe for
// concurrent use.
type Broker struct {
	cfg       Config
	ops       chan func()
	listeners map[string]*listener
	done      chan struct{}
}

// New creates a Broker with the given configuration.
func New(cfg Config) *Broker {
	if cfg.OutboxDepth <= 0 {
		cfg.OutboxDepth = defaultOutboxDepth
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{
		cfg:       cfg,
		ops:       make(chan func(), 128),
		listeners: make(map[string]*listener),
		done:      make(chan struct{}),
	}
}

// Run executes the actor loop until ctx is cancelled. It must be running for
// any other method to make progress.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	sweep := time.NewTicker(b.cfg.AckTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case op := <-b.ops:
			op()
		case <-sweep.C:
			b.sweepDead()
		}
	}
}

// do posts an operation to the actor loop.
func (b *Broker) do(op func()) {
	select {
	case b.ops <- op:
	case <-b.done:
	}
}

// Register subscribes a listener socket. Idempotent by clientID: a second
// hello for the same clientID replaces the previous socket, which is closed.
// The listener immediately receives audio.ready.
func (b *Broker) Register(clientID, sessionID, targetLang string, codecs []string, conn Conn) {
	b.do(func() {
		if prev, ok := b.listeners[clientID]; ok {
			if prev.conn == conn {
				// Duplicate hello on the same socket: refresh metadata only.
				prev.targetLang = targetLang
				prev.setCodecs(codecs)
				prev.lastAck = b.cfg.Now()
				return
			}
			prev.stop(websocket.StatusNormalClosure, "replaced by new subscription")
		}
		l := newListener(clientID, sessionID, targetLang, codecs, conn, b.cfg, b.evict)
		b.listeners[clientID] = l
		go l.writeLoop()

		l.sendJSON(wire.Ready{Type: wire.TypeAudioReady, TargetLang: targetLang})
		slog.Info("listener registered",
			"client_id", clientID,
			"session_id", sessionID,
			"target_lang", targetLang,
		)
	})
}

// Unregister removes a listener, closing its socket. No-op for unknown ids.
func (b *Broker) Unregister(clientID string) {
	b.do(func() {
		if l, ok := b.listeners[clientID]; ok {
			delete(b.listeners, clientID)
			l.stop(websocket.StatusNormalClosure, "unsubscribed")
			slog.Info("listener unregistered", "client_id", clientID)
		}
	})
}

// SetLang changes a listener's target language without reconnecting.
func (b *Broker) SetLang(clientID, lang string) {
	b.do(func() {
		if l, ok := b.listeners[clientID]; ok {
			l.targetLang = lang
			slog.Debug("listener language changed", "client_id", clientID, "target_lang", lang)
		}
	})
}

// Ack records a listener health report.
func (b *Broker) Ack(clientID string, bufferedMs, underruns int) {
	b.do(func() {
		if l, ok := b.listeners[clientID]; ok {
			l.lastAck = b.cfg.Now()
			l.bufferedMs = bufferedMs
			l.underruns = underruns
		}
	})
}

// Broadcast delivers one binary audio frame to every listener of sessionID
// whose target language equals the frame's and whose codec capabilities
// include the frame's codec. Missing-match listeners silently skip.
func (b *Broker) Broadcast(sessionID string, meta wire.FrameMeta, frame []byte) {
	b.do(func() {
		for _, l := range b.matching(sessionID, meta.TargetLang, meta.Codec) {
			if !l.send(outMsg{binary: true, data: frame}) {
				b.dropOverflowed(l)
			}
		}
	})
}

// Control delivers a JSON control message (audio.start, audio.end) to the
// same audience a frame with this language and codec would reach.
func (b *Broker) Control(sessionID, targetLang, codec string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal broker control message", "error", err)
		return
	}
	b.do(func() {
		for _, l := range b.matching(sessionID, targetLang, codec) {
			if !l.send(outMsg{data: data}) {
				b.dropOverflowed(l)
			}
		}
	})
}

// Cancel emits audio.cancel to every listener of the session, regardless of
// language.
func (b *Broker) Cancel(sessionID, segmentID, reason string) {
	data, err := json.Marshal(wire.Cancel{
		Type:      wire.TypeAudioCancel,
		SessionID: sessionID,
		SegmentID: segmentID,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	b.do(func() {
		for _, l := range b.listeners {
			if l.sessionID == sessionID {
				if !l.send(outMsg{data: data}) {
					b.dropOverflowed(l)
				}
			}
		}
	})
}

// ListenerCount reports the number of registered listeners for a session.
func (b *Broker) ListenerCount(sessionID string) int {
	result := make(chan int, 1)
	b.do(func() {
		n := 0
		for _, l := range b.listeners {
			if l.sessionID == sessionID {
				n++
			}
		}
		result <- n
	})
	select {
	case n := <-result:
		return n
	case <-b.done:
		return 0
	}
}

// matching returns the listeners a frame for (sessionID, targetLang, codec)
// should reach.
func (b *Broker) matching(sessionID, targetLang, codec string) []*listener {
	var out []*listener
	for _, l := range b.listeners {
		if l.sessionID != sessionID || l.targetLang != targetLang {
			continue
		}
		if codec != "" && !l.codecs[codec] {
			continue
		}
		out = append(out, l)
	}
	return out
}

// dropOverflowed removes an overflowed listener. Runs on the actor
// goroutine, so the registry is mutated directly.
func (b *Broker) dropOverflowed(l *listener) {
	delete(b.listeners, l.id)
	l.dropOverflow()
	slog.Warn("listener outbox overflow, disconnecting",
		"client_id", l.id,
		"session_id", l.sessionID,
	)
}

// evict is invoked by a listener's writer goroutine to remove itself from
// the registry after a write failure.
func (b *Broker) evict(clientID string, reason string) {
	b.do(func() {
		if _, ok := b.listeners[clientID]; ok {
			delete(b.listeners, clientID)
			slog.Warn("listener evicted", "client_id", clientID, "reason", reason)
		}
	})
}

// sweepDead disconnects listeners whose last ack is older than AckTimeout.
func (b *Broker) sweepDead() {
	now := b.cfg.Now()
	for id, l := range b.listeners {
		if now.Sub(l.lastAck) > b.cfg.AckTimeout {
			delete(b.listeners, id)
			l.stop(websocket.StatusGoingAway, "no ack")
			slog.Warn("listener presumed dead", "client_id", id)
		}
	}
}

// closeAll tears down every listener on shutdown.
func (b *Broker) closeAll() {
	for id, l := range b.listeners {
		delete(b.listeners, id)
		l.stop(websocket.StatusGoingAway, "server shutting down")
	}
}
