package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/zonewatch/internal/proximity"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/pkg/logger"
)

// Message types pushed to clients
const (
	MessageTypeTrackAdded         = "track_added"
	MessageTypeTrackUpdated       = "track_updated"
	MessageTypeTrackRemoved       = "track_removed"
	MessageTypeZoneChanged        = "zone_changed"
	MessageTypeProximityCreated   = "proximity_created"
	MessageTypeProximityUpdated   = "proximity_updated"
	MessageTypeProximityFinalized = "proximity_finalized"
	MessageTypeFilterUpdate       = "filter_update" // Client sends filter preferences
)

const (
	broadcastBuffer = 1024
	clientBuffer    = 256
	writeWait       = 10 * time.Second
)

// Message represents a WebSocket message
type Message struct {
	Type   string `json:"type"`
	Flight string `json:"flight,omitempty"`
	Data   any    `json:"data"`
}

// ClientFilters narrows the track messages a client receives. Zone and
// proximity messages are always sent.
type ClientFilters struct {
	Flights   []string `json:"flights"`    // only these flights, empty for all
	ZonedOnly bool     `json:"zoned_only"` // skip track updates for aircraft outside every zone
}

// Client represents a WebSocket client
type Client struct {
	conn    *websocket.Conn
	send    chan *Message
	server  *Server
	mu      sync.Mutex
	filters *ClientFilters
}

// Server fans engine events out to WebSocket clients. It implements
// tracking.Hooks and proximity.Sink; publishing never blocks the caller.
type Server struct {
	tracking.NopHooks

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
	dropped    atomic.Int64
	done       chan struct{}
}

// NewServer creates a new WebSocket server. allowedOrigins of ["*"] or empty
// accepts any origin.
func NewServer(allowedOrigins []string, log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, broadcastBuffer),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: log.Named("web-socket"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run starts the hub and blocks until ctx is cancelled, then closes every client
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting WebSocket server")
	defer close(s.done)

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", clientCount))

		case client := <-s.unregister:
			s.mu.Lock()
			s.removeLocked(client)
			clientCount := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client unregistered", logger.Int("client_count", clientCount))

		case message := <-s.broadcast:
			s.deliver(message)

		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				s.removeLocked(client)
			}
			s.mu.Unlock()
			return nil
		}
	}
}

// removeLocked drops a client and closes its send channel. Caller holds s.mu.
func (s *Server) removeLocked(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	close(client.send)
}

func (s *Server) deliver(message *Message) {
	s.mu.RLock()
	clientsToRemove := make([]*Client, 0)
	for client := range s.clients {
		if !client.wants(message) {
			continue
		}

		select {
		case client.send <- message:
		default:
			// slow consumer
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	s.mu.RUnlock()

	if len(clientsToRemove) > 0 {
		s.mu.Lock()
		for _, client := range clientsToRemove {
			s.removeLocked(client)
		}
		s.mu.Unlock()
	}
}

// HandleConnection upgrades the request and starts the client pumps
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	s.logger.Debug("Upgraded connection to WebSocket",
		logger.String("remote_addr", r.RemoteAddr))

	client := &Client{
		conn:   conn,
		send:   make(chan *Message, clientBuffer),
		server: s,
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for every client. When the hub is backed up the
// message is dropped.
func (s *Server) Broadcast(message *Message) {
	select {
	case s.broadcast <- message:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("Broadcast queue full, dropping message",
			logger.String("message_type", message.Type),
			logger.Int64("dropped", n))
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many broadcasts were discarded
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Server) TrackCreated(t *tracking.Track) {
	s.Broadcast(&Message{Type: MessageTypeTrackAdded, Flight: t.Flight(), Data: t.View()})
}

func (s *Server) TrackUpdated(t *tracking.Track) {
	s.Broadcast(&Message{Type: MessageTypeTrackUpdated, Flight: t.Flight(), Data: t.View()})
}

func (s *Server) TrackExpired(t *tracking.Track) {
	s.Broadcast(&Message{Type: MessageTypeTrackRemoved, Flight: t.Flight(), Data: t.View()})
}

func (s *Server) ZoneChanged(t *tracking.Track, c tracking.ZoneChange) {
	s.Broadcast(&Message{Type: MessageTypeZoneChanged, Flight: t.Flight(), Data: c})
}

func (s *Server) ProximityCreated(_ context.Context, e proximity.Event) (string, error) {
	s.Broadcast(&Message{Type: MessageTypeProximityCreated, Data: e})
	return "", nil
}

func (s *Server) ProximityUpdated(e proximity.Event) {
	s.Broadcast(&Message{Type: MessageTypeProximityUpdated, Data: e})
}

func (s *Server) ProximityFinalized(_ context.Context, e proximity.Event) error {
	s.Broadcast(&Message{Type: MessageTypeProximityFinalized, Data: e})
	return nil
}

// readPump reads filter updates until the connection closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}

		var message struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.server.logger.Debug("Failed to parse WebSocket message", logger.Error(err))
			continue
		}

		switch message.Type {
		case MessageTypeFilterUpdate:
			var filters ClientFilters
			if err := json.Unmarshal(message.Data, &filters); err != nil {
				c.server.logger.Debug("Invalid filter update", logger.Error(err))
				continue
			}
			c.UpdateFilters(&filters)
		default:
			c.server.logger.Debug("Ignoring WebSocket message", logger.String("type", message.Type))
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		data, err := json.Marshal(message)
		if err != nil {
			c.server.logger.Error("Failed to marshal message", logger.Error(err))
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// UpdateFilters replaces the client's active filters
func (c *Client) UpdateFilters(filters *ClientFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
}

// wants reports whether the message passes the client's filters
func (c *Client) wants(message *Message) bool {
	c.mu.Lock()
	filters := c.filters
	c.mu.Unlock()

	if filters == nil {
		return true
	}
	switch message.Type {
	case MessageTypeTrackAdded, MessageTypeTrackUpdated, MessageTypeTrackRemoved:
	default:
		return true
	}

	if len(filters.Flights) > 0 {
		found := false
		for _, f := range filters.Flights {
			if f == message.Flight {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filters.ZonedOnly && message.Type == MessageTypeTrackUpdated {
		if view, ok := message.Data.(tracking.TrackView); ok && !zoned(view) {
			return false
		}
	}
	return true
}

func zoned(v tracking.TrackView) bool {
	for _, z := range v.Zones {
		if z >= 0 {
			return true
		}
	}
	return false
}
