package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/exalang/exastream/internal/broker"
	"github.com/exalang/exastream/internal/lang"
	"github.com/exalang/exastream/pkg/wire"
)

// HandleListen serves the /ws/tts listener socket. Listeners subscribe with
// audio.hello, receive binary audio frames bracketed by audio.start and
// audio.end controls, and report buffer health with periodic audio.ack.
func (a *App) HandleListen(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId parameter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("listener socket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(64 << 10)

	ctx := r.Context()
	clientID := ""
	defer func() {
		if clientID != "" {
			a.broker.Unregister(clientID)
			a.metrics.ActiveListeners.Add(context.Background(), -1)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("listener socket read failed", "client_id", clientID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := wire.ParseListenerMessage(data)
		if err != nil {
			slog.Debug("unparseable listener message", "session_id", sessionID, "error", err)
			continue
		}

		switch m := msg.(type) {
		case wire.Hello:
			id := m.ClientID
			if id == "" {
				id = uuid.NewString()
			}
			first := clientID == ""
			clientID = id
			a.broker.Register(id, sessionID, lang.Normalize(m.TargetLang), m.Capabilities, listenerConn{conn})
			if first {
				a.metrics.ActiveListeners.Add(ctx, 1)
			}
		case wire.SetLang:
			if clientID != "" {
				a.broker.SetLang(clientID, lang.Normalize(m.Lang))
			}
		case wire.Ack:
			if clientID != "" {
				a.broker.Ack(clientID, m.BufferedMs, m.Underruns)
			}
		}
	}
}

// listenerConn adapts a websocket connection to the broker's Conn interface.
type listenerConn struct {
	conn *websocket.Conn
}

// Compile-time interface assertion.
var _ broker.Conn = listenerConn{}

func (c listenerConn) Write(ctx context.Context, binary bool, data []byte) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return c.conn.Write(ctx, typ, data)
}

func (c listenerConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}
