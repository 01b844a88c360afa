package signal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"peerview/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a WebSocket relay for signaling channels. Every text frame
// received from a client is rebroadcast to all clients subscribed to the
// same channel name, the sender included. The relay never inspects payloads.
type Server struct {
	listener net.Listener

	mu       sync.Mutex
	channels map[string]map[*relayClient]struct{}
	joined   chan struct{} // pulsed on every client registration
}

// NewServer creates a relay with no active channels.
func NewServer() *Server {
	return &Server{
		channels: make(map[string]map[*relayClient]struct{}),
		joined:   make(chan struct{}, 1),
	}
}

// Start begins listening on the given address (":0" picks a random port).
// Returns the assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close shuts down the listener and disconnects all clients.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, clients := range s.channels {
		for c := range clients {
			c.conn.Close()
		}
	}
	s.channels = make(map[string]map[*relayClient]struct{})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &relayClient{conn: conn}
	s.register(channel, c)
	defer s.unregister(channel, c)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.broadcast(channel, data)
	}
}

// broadcast relays one frame to every client on the channel. Write failures
// are logged and otherwise ignored; delivery is best-effort.
func (s *Server) broadcast(channel string, data []byte) {
	s.mu.Lock()
	clients := make([]*relayClient, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			util.LogDebug("relay write failed on channel %q: %v", channel, err)
		}
	}
}

// ClientCount reports how many clients are currently connected to the
// channel.
func (s *Server) ClientCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}

// AwaitClients blocks until the channel has at least n connected clients or
// ctx is cancelled. The relay keeps no message history, so a description
// published into a channel nobody else has joined yet is simply lost; the
// hosting side uses this to hold its first publish back until the peer is
// there to receive it.
func (s *Server) AwaitClients(ctx context.Context, channel string, n int) error {
	for {
		if s.ClientCount(channel) >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.joined:
		}
	}
}

func (s *Server) register(channel string, c *relayClient) {
	s.mu.Lock()
	if s.channels[channel] == nil {
		s.channels[channel] = make(map[*relayClient]struct{})
	}
	s.channels[channel][c] = struct{}{}
	s.mu.Unlock()

	select {
	case s.joined <- struct{}{}:
	default:
	}
}

func (s *Server) unregister(channel string, c *relayClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels[channel], c)
	if len(s.channels[channel]) == 0 {
		delete(s.channels, channel)
	}
	c.conn.Close()
}

// relayClient serializes writes to one WebSocket connection.
type relayClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *relayClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
