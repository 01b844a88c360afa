package signal

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"peerview/internal/util"
)

// WSBus adapts one WebSocket connection to a relay Server into a Bus.
// A background read loop fans every incoming message out to the current
// subscribers; writes are serialized by a mutex.
type WSBus struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	closed bool
}

var _ Bus = (*WSBus)(nil)

// Dial connects to a relay server and joins the named channel. The URL may
// be a bare host:port or a ws:// / wss:// URL; the /ws path is appended.
func Dial(ctx context.Context, rawURL, channel string) (*WSBus, error) {
	wsURL, err := normalizeURL(rawURL, channel)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	b := &WSBus{conn: conn, subs: make(map[int]Handler)}
	go b.readLoop()
	return b, nil
}

func (b *WSBus) Publish(msg Message) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to publish signaling message: %w", err)
	}
	return nil
}

func (b *WSBus) Subscribe(h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	return &wsSub{bus: b, id: id}, nil
}

func (b *WSBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[int]Handler)
	b.mu.Unlock()
	return b.conn.Close()
}

// readLoop dispatches incoming messages until the connection dies. A read
// error ends the loop; the bus is then closed and Publish starts failing.
func (b *WSBus) readLoop() {
	for {
		var msg Message
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.mu.Lock()
			alreadyClosed := b.closed
			b.closed = true
			b.subs = make(map[int]Handler)
			b.mu.Unlock()

			if !alreadyClosed {
				util.LogDebug("relay connection lost: %v", err)
			}
			return
		}

		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.subs))
		for _, h := range b.subs {
			handlers = append(handlers, h)
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}

type wsSub struct {
	bus  *WSBus
	id   int
	once sync.Once
}

func (s *wsSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
	return nil
}

// normalizeURL validates a raw relay URL and appends the /ws path and
// channel query parameter.
func normalizeURL(raw, channel string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "wss" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws?channel=%s", scheme, u.Host, url.QueryEscape(channel)), nil
}
