package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultPingInterval is used when the caller passes zero.
	defaultPingInterval = 10 * time.Second

	// frameBuffer bounds frames read ahead of Recv.
	frameBuffer = 256
)

// WSClient dials sessions on the CLOB market channel.
type WSClient struct {
	wsURL        string
	pingInterval time.Duration
	dialer       websocket.Dialer
	now          func() time.Time
}

// NewWSClient creates a client for wsURL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, pingInterval time.Duration) *WSClient {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &WSClient{
		wsURL:        wsURL,
		pingInterval: pingInterval,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		now: time.Now,
	}
}

// Dial opens one session. The returned stream has no subscriptions yet.
func (w *WSClient) Dial(ctx context.Context) (domain.TickStream, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	s := &Stream{
		conn:   conn,
		now:    w.now,
		books:  make(map[string]*ladder),
		frames: make(chan []byte, frameBuffer),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	pongWait := 3 * w.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readLoop(pongWait)
	go s.pingLoop(w.pingInterval)
	return s, nil
}

// Stream is one market-channel session. It keeps an L2 ladder per
// subscribed token and turns every book or price change into a top-of-book
// tick. Recv must be called from a single goroutine.
type Stream struct {
	conn *websocket.Conn
	now  func() time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	books   map[string]*ladder
	started bool

	frames  chan []byte
	errc    chan error
	pending []domain.TickEvent

	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe adds tokens to the session.
func (s *Stream) Subscribe(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, t := range tokens {
		if _, ok := s.books[t]; !ok {
			s.books[t] = newLadder()
		}
	}
	cmd := wsCommand{AssetsIDs: tokens}
	if s.started {
		cmd.Operation = "subscribe"
	} else {
		cmd.Type = "market"
		s.started = true
	}
	s.mu.Unlock()

	if err := s.write(ctx, cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe drops tokens and their ladders.
func (s *Stream) Unsubscribe(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, t := range tokens {
		delete(s.books, t)
	}
	s.mu.Unlock()

	if err := s.write(ctx, wsCommand{Operation: "unsubscribe", AssetsIDs: tokens}); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Recv returns the next tick. Any error means the session is dead.
func (s *Stream) Recv(ctx context.Context) (domain.TickEvent, error) {
	for {
		if len(s.pending) > 0 {
			t := s.pending[0]
			s.pending = s.pending[1:]
			return t, nil
		}
		select {
		case <-ctx.Done():
			return domain.TickEvent{}, ctx.Err()
		case <-s.done:
			return domain.TickEvent{}, fmt.Errorf("polymarket/ws: closed: %w", domain.ErrWSDisconnect)
		case err := <-s.errc:
			return domain.TickEvent{}, fmt.Errorf("polymarket/ws: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		case raw := <-s.frames:
			s.pending = s.decode(raw)
		}
	}
}

// Close shuts the session down. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (s *Stream) write(ctx context.Context, v any) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

// readLoop forwards raw frames to Recv until the connection fails.
func (s *Stream) readLoop(pongWait time.Duration) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.errc <- err:
			default:
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case s.frames <- msg:
		case <-s.done:
			return
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *Stream) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// decode turns one frame into ticks. Frames are a single object or an
// array of objects; anything else (e.g. "PONG") is ignored.
func (s *Stream) decode(raw []byte) []domain.TickEvent {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var msgs []json.RawMessage
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil
		}
	case '{':
		msgs = []json.RawMessage{raw}
	default:
		return nil
	}

	ts := s.now()
	var ticks []domain.TickEvent
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		ticks = append(ticks, s.handle(m, ts)...)
	}
	return ticks
}

// handle applies one message to the ladders. Caller holds s.mu.
func (s *Stream) handle(raw json.RawMessage, ts time.Time) []domain.TickEvent {
	var envelope struct {
		EventType string `json:"event_type"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	kind := envelope.EventType
	if kind == "" {
		kind = envelope.Type
	}

	switch kind {
	case "book":
		var book BookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return nil
		}
		l, ok := s.books[book.AssetID]
		if !ok {
			return nil
		}
		l.replace(&book)
		return []domain.TickEvent{l.top(book.AssetID, ts)}

	case "price_change", "tick":
		var pc PriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return nil
		}
		var touched []string
		seen := make(map[string]bool)
		for _, c := range pc.deltas() {
			l, ok := s.books[c.AssetID]
			if !ok || !l.apply(c) {
				continue
			}
			if !seen[c.AssetID] {
				seen[c.AssetID] = true
				touched = append(touched, c.AssetID)
			}
		}
		ticks := make([]domain.TickEvent, 0, len(touched))
		for _, tok := range touched {
			ticks = append(ticks, s.books[tok].top(tok, ts))
		}
		return ticks
	}
	return nil
}
