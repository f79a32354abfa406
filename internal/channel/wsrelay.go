package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kenobot/kenobot/internal/bus"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the
	// read pump gives up on it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxBackoff caps the reconnect delay.
	maxBackoff       = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// RelayConfig configures the websocket relay adapter.
type RelayConfig struct {
	URL   string // ws:// or wss:// endpoint; http schemes are converted
	Token string // bearer token sent on dial, empty for none
	// AllowedUsers restricts which relay user ids reach the agent.
	// Empty allows everyone.
	AllowedUsers []string
}

// relayFrame is the wire format in both directions. Inbound frames
// carry user_id; outbound frames omit it.
type relayFrame struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id,omitempty"`
	Text   string `json:"text"`
}

// Relay is an outbound websocket client to a chat relay. It fires an
// INCOMING_MESSAGE for every text frame it receives and writes one
// frame per Send. The connection is supervised: on loss it redials
// with exponential backoff.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger
	bus    *bus.Bus

	// dialBackoff is the initial reconnect delay, doubled per failure
	// up to maxBackoff. Tests shrink it.
	dialBackoff time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay builds the relay adapter. The connection is established by
// Start.
func NewRelay(cfg RelayConfig, logger *slog.Logger, b *bus.Bus) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:         cfg,
		logger:      logger,
		bus:         b,
		dialBackoff: time.Second,
	}, nil
}

// Name implements Channel.
func (r *Relay) Name() string { return "relay" }

// Start launches the connection supervisor. It returns immediately;
// an unreachable relay is retried in the background rather than
// failing daemon startup.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true
	r.wg.Add(1)
	go r.run(r.ctx)
	return nil
}

// Stop closes the connection and waits for the pumps to exit.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	conn := r.conn
	r.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close() // unblocks the read pump
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one outbound frame. The registry hands us the full
// chatId (relay-<id>); the wire carries the bare relay chat id.
func (r *Relay) Send(ctx context.Context, chatID, text string) error {
	wireChat, _ := strings.CutPrefix(chatID, "relay-")
	if wireChat == "" {
		return fmt.Errorf("relay send: empty chat id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := r.conn.WriteJSON(relayFrame{ChatID: wireChat, Text: text}); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

// run dials, pumps, and redials until ctx is cancelled.
func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	backoff := r.dialBackoff
	for {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("relay dial failed",
				"url", r.cfg.URL,
				"retry_in", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = r.dialBackoff
		r.logger.Info("relay connected", "url", r.cfg.URL)

		r.setConn(conn)
		pingDone := make(chan struct{})
		r.wg.Add(1)
		go r.pingLoop(ctx, conn, pingDone)

		r.readPump(conn)

		close(pingDone)
		r.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("relay connection lost, reconnecting")
	}
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (r *Relay) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// readPump reads frames until the connection dies. Malformed frames
// are logged and skipped; only transport errors end the pump.
func (r *Relay) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info("relay closed the connection")
			}
			return
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("relay frame is not valid JSON", "error", err)
			continue
		}
		r.handleFrame(frame)
	}
}

// handleFrame turns one inbound frame into an INCOMING_MESSAGE.
func (r *Relay) handleFrame(f relayFrame) {
	if f.Text == "" {
		return
	}
	if !Allowed(f.UserID, r.cfg.AllowedUsers) {
		r.logger.Warn("relay message from unauthorized user", "user_id", f.UserID)
		return
	}
	chatID := f.ChatID
	if chatID == "" {
		chatID = f.UserID
	}
	if chatID == "" {
		r.logger.Debug("relay frame without chat or user id dropped")
		return
	}

	r.bus.Fire(bus.Signal{
		Type:   bus.TypeIncomingMessage,
		Source: "relay",
		Payload: map[string]any{
			"text":    f.Text,
			"chatId":  "relay-" + chatID,
			"userId":  f.UserID,
			"channel": "relay",
		},
	})
}

// pingLoop keeps the connection alive. WriteControl is safe to call
// concurrently with Send.
func (r *Relay) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				r.logger.Debug("relay ping failed", "error", err)
				return
			}
		}
	}
}
