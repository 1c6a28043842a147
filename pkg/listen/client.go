package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/exalang/exastream/pkg/wire"
)

// DefaultAckInterval is how often the client reports buffer health.
const DefaultAckInterval = time.Second

// Config wires a listener [Client].
type Config struct {
	// URL is the full socket URL including the sessionId query parameter,
	// e.g. "ws://host/ws/tts?sessionId=abc".
	URL string

	// ClientID identifies this listener across resubscribes. Empty
	// generates one.
	ClientID string

	// TargetLang is the ISO-639-1 shortcode to subscribe to. Empty follows
	// the session's default target.
	TargetLang string

	// Capabilities lists the codecs this client can decode ("mp3", "opus").
	Capabilities []string

	// Player consumes the decoded frames. Required.
	Player *Player

	// AckInterval is the buffer health reporting period.
	// Defaults to [DefaultAckInterval].
	AckInterval time.Duration

	// OnControl, if set, observes every server control message (audio.ready,
	// audio.start, audio.end, audio.cancel, audio.error) after the client's
	// own handling.
	OnControl func(msg any)
}

// Client subscribes to one session's audio fan-out and keeps the player fed.
// Create with [Dial]; Run drives it until the context ends or the server
// hangs up.
type Client struct {
	cfg  Config
	conn *websocket.Conn
}

// Dial connects the socket and sends the subscription hello. The caller runs
// the client with [Client.Run].
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Player == nil {
		return nil, errors.New("listen: a player is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = DefaultAckInterval
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("listen: dial %s: %w", cfg.URL, err)
	}

	c := &Client{cfg: cfg, conn: conn}
	if err := c.subscribe(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	return c, nil
}

// subscribe (re)sends audio.hello.
func (c *Client) subscribe(ctx context.Context) error {
	return c.sendJSON(ctx, wire.Hello{
		Type:         wire.TypeAudioHello,
		ClientID:     c.cfg.ClientID,
		Capabilities: c.cfg.Capabilities,
		TargetLang:   c.cfg.TargetLang,
	})
}

// SetLang changes the subscription's target language without reconnecting.
func (c *Client) SetLang(ctx context.Context, lang string) error {
	return c.sendJSON(ctx, wire.SetLang{
		Type:     wire.TypeAudioSetLang,
		ClientID: c.cfg.ClientID,
		Lang:     lang,
	})
}

// Run feeds frames to the player and reports acks until ctx ends or the
// server closes the socket. Always closes the connection before returning.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close(websocket.StatusNormalClosure, "done")

	go c.ackLoop(ctx)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleFrame(data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	meta, payload, err := wire.DecodeFrame(data)
	if err != nil {
		slog.Debug("listener client: bad frame", "client_id", c.cfg.ClientID, "error", err)
		return
	}
	if err := c.cfg.Player.Feed(meta.Codec, payload); err != nil {
		slog.Warn("listener client: feed failed",
			"client_id", c.cfg.ClientID,
			"segment_id", meta.SegmentID,
			"error", err,
		)
	}
}

// handleControl reacts to server control messages. A fatal audio.error
// triggers the hard-reset contract: reset the player and resubscribe on the
// live socket.
func (c *Client) handleControl(ctx context.Context, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	var msg any
	switch env.Type {
	case wire.TypeAudioReady:
		var m wire.Ready
		_ = json.Unmarshal(data, &m)
		msg = m
	case wire.TypeAudioStart, wire.TypeAudioStreamEnd:
		var m wire.StreamControl
		_ = json.Unmarshal(data, &m)
		msg = m
	case wire.TypeAudioCancel:
		var m wire.Cancel
		_ = json.Unmarshal(data, &m)
		msg = m
	case wire.TypeAudioError:
		var m wire.StreamError
		_ = json.Unmarshal(data, &m)
		msg = m
		if isFatalStreamError(m) {
			c.cfg.Player.Reset()
			if err := c.subscribe(ctx); err != nil {
				slog.Warn("listener client: resubscribe failed", "client_id", c.cfg.ClientID, "error", err)
			}
		}
	default:
		return
	}

	if c.cfg.OnControl != nil {
		c.cfg.OnControl(msg)
	}
}

// isFatalStreamError reports whether an audio.error requires the hard-reset
// path (quota and decoder-limit failures).
func isFatalStreamError(e wire.StreamError) bool {
	switch e.Code {
	case wire.CodeQuotaExceeded, wire.CodeProviderError:
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "quota")
}

// ackLoop reports buffer health on a fixed cadence.
func (c *Client) ackLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.sendJSON(ctx, wire.Ack{
				Type:       wire.TypeAudioAck,
				BufferedMs: c.cfg.Player.BufferedMs(),
				Underruns:  c.cfg.Player.Underruns(),
			})
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) sendJSON(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("listen: marshal %T: %w", msg, err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}
