package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/exalang/exastream/internal/ingress"
	"github.com/exalang/exastream/internal/lang"
	"github.com/exalang/exastream/internal/orchestrator"
	"github.com/exalang/exastream/pkg/types"
	"github.com/exalang/exastream/pkg/wire"
)

// Speaker-socket tuning.
const (
	// speakerOutboxDepth bounds queued server→speaker messages. Overflow
	// drops partials first; a full queue of finals drops the oldest.
	speakerOutboxDepth = 256

	speakerWriteTimeout = 5 * time.Second
)

// HandleTranslate serves the /translate speaker socket. The socket carries
// JSON control and text messages; binary audio from the speaker arrives
// base64-wrapped in audio messages.
func (a *App) HandleTranslate(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("speaker socket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	sock := newSpeakerSocket(conn)
	defer sock.close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	userID := r.URL.Query().Get("user")
	planCode := r.URL.Query().Get("plan")

	var (
		mu    sync.Mutex
		entry *Entry
	)
	defer func() {
		mu.Lock()
		e := entry
		mu.Unlock()
		if e != nil {
			a.sessions.Close(e.ID)
		}
	}()

	router := ingress.NewRouter(ingress.Config{
		Emitter:      sock,
		TTS:          nil, // installed after init
		Voices:       a.provider.TTS,
		AllowedTiers: a.allowedTiers(planCode),
		PlanCode:     planCode,
		OnVisibility: sock.setHidden,
	})

	router = a.withInit(router, sock, userID, planCode, &mu, &entry)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("speaker socket read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		mu.Lock()
		if entry != nil {
			entry.Touch()
		}
		mu.Unlock()

		router.HandleMessage(ctx, data)
	}
}

// withInit installs the init handler that opens (or reconfigures) the
// speaker session on the router.
func (a *App) withInit(router *ingress.Router, sock *speakerSocket, userID, planCode string, mu *sync.Mutex, entry **Entry) *ingress.Router {
	router.SetInit(func(init wire.Init) {
		mu.Lock()
		defer mu.Unlock()

		if *entry != nil {
			// Re-init on a live socket re-targets the languages; everything
			// else is fixed for the socket's lifetime.
			(*entry).Session.UpdateLanguages(init.SourceLang, init.TargetLang)
			_ = sock.Send(wire.Info{Type: wire.TypeInfo, Message: "languages updated"})
			return
		}

		ctx := context.Background()
		e, err := a.sessions.Open(ctx, OpenParams{
			SessionID:  init.SessionID,
			UserID:     userID,
			PlanCode:   planCode,
			SourceLang: lang.Normalize(init.SourceLang),
			TargetLang: lang.Normalize(init.TargetLang),
			VoiceID:    init.VoiceID,
			Mode:       types.TTSMode(init.TTSMode),
			Profanity:  init.ProfanityFilter,
			Emitter:    sock,
			OnFatal: func(code, message string) {
				sock.close(websocket.StatusInternalError, code)
			},
		})
		if err != nil {
			var qe *QuotaError
			if errors.As(err, &qe) {
				_ = sock.Send(wire.QuotaEvent{
					Type:        wire.TypeQuotaExceeded,
					PercentUsed: qe.PercentUsed,
					Message:     qe.Error(),
				})
				_ = sock.Send(wire.Error{Type: wire.TypeError, Code: wire.CodeQuotaExceeded, Message: qe.Error()})
				sock.close(websocket.StatusInternalError, wire.CodeQuotaExceeded)
				return
			}
			slog.Error("session open failed", "error", err)
			_ = sock.Send(wire.Error{Type: wire.TypeError, Code: wire.CodeProviderError, Message: "could not start session"})
			sock.close(websocket.StatusInternalError, wire.CodeProviderError)
			return
		}

		*entry = e
		router.SetSession(e.Session)
		if e.Queue != nil {
			router.SetTTS(e.Queue)
			router.SetRouting(a.cfg.Providers.TTS.Name, init.VoiceID)
		}
	})
	return router
}

// allowedTiers resolves the voice tiers a plan may use.
func (a *App) allowedTiers(planCode string) []string {
	if plan, ok := a.cfg.Usage.Plans[planCode]; ok {
		return plan.VoiceTiers
	}
	return nil
}

// speakerSocket serializes writes to one /translate connection through a
// bounded outbox drained by a single writer goroutine. It implements the
// Emitter interfaces of the ingress, orchestrator, and ttsqueue packages.
type speakerSocket struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	hidden    atomic.Bool
	closeOnce sync.Once
}

// Compile-time interface assertions.
var (
	_ ingress.Emitter      = (*speakerSocket)(nil)
	_ orchestrator.Emitter = (*speakerSocket)(nil)
)

func newSpeakerSocket(conn *websocket.Conn) *speakerSocket {
	s := &speakerSocket{
		conn: conn,
		out:  make(chan []byte, speakerOutboxDepth),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send queues one JSON message for the speaker. Partials are dropped while
// the client tab is hidden and whenever the outbox is full; anything else
// blocks briefly and then fails.
func (s *speakerSocket) Send(msg any) error {
	partial := isPartial(msg)
	if partial && s.hidden.Load() {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if partial {
		select {
		case s.out <- data:
		default:
			// Stale partials are worthless; the next one supersedes them.
		}
		return nil
	}

	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return errors.New("speaker socket closed")
	case <-time.After(speakerWriteTimeout):
		return errors.New("speaker outbox full")
	}
}

func (s *speakerSocket) setHidden(hidden bool) {
	s.hidden.Store(hidden)
}

func (s *speakerSocket) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), speakerWriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *speakerSocket) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(status, reason)
	})
}

// isPartial reports whether msg is a partial text event, droppable under
// backpressure.
func isPartial(msg any) bool {
	t, ok := msg.(wire.Translation)
	return ok && t.IsPartial
}
