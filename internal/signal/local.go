package signal

import "sync"

// Hub connects in-process participants by channel name. Every participant
// that asks for the same name shares one channel.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*LocalChannel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*LocalChannel)}
}

// Channel returns the bus for the given channel name, creating it on first use.
func (h *Hub) Channel(name string) *LocalChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		ch = &LocalChannel{subs: make(map[int]Handler)}
		h.channels[name] = ch
	}
	return ch
}

// LocalChannel is an in-process Bus. Messages are delivered synchronously on
// the publisher's goroutine, which gives FIFO ordering per sender for free.
// Every subscriber receives every message, the publisher's own included.
type LocalChannel struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	closed bool
}

var _ Bus = (*LocalChannel)(nil)

func (c *LocalChannel) Publish(msg Message) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (c *LocalChannel) Subscribe(h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = h
	return &localSub{ch: c, id: id}, nil
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = make(map[int]Handler)
	return nil
}

type localSub struct {
	ch   *LocalChannel
	id   int
	once sync.Once
}

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.ch.mu.Lock()
		delete(s.ch.subs, s.id)
		s.ch.mu.Unlock()
	})
	return nil
}
