package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"go_market_core/scheduler"
)

// WebSocket tuning
const (
	WebSocketWriteTimeout  = 10 * time.Second
	WebSocketPongTimeout   = 60 * time.Second
	WebSocketPingInterval  = 30 * time.Second
	DefaultMaxEventClients = 100
)

// EventMessage is the frame pushed to stream clients.
type EventMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time string      `json:"time"`
}

// EventClient is one WebSocket subscriber. An empty job filter receives
// every event.
type EventClient struct {
	conn *websocket.Conn
	send chan []byte
	jobs map[string]bool
	mu   sync.RWMutex
}

// wants reports whether the client's filter admits events for a job.
func (c *EventClient) wants(jobID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.jobs) == 0 {
		return true
	}
	return c.jobs[jobID]
}

// EventStream fans scheduler lifecycle events out to WebSocket clients.
type EventStream struct {
	clients    map[*EventClient]bool
	broadcast  chan scheduler.Event
	register   chan *EventClient
	unregister chan *EventClient
	shutdown   chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	maxClients int

	bus         *scheduler.EventBus
	unsubscribe func()
}

// Global event stream
var GlobalEventStream *EventStream

// InitEventStream initializes the event stream hub.
func InitEventStream(maxClients int) error {
	if maxClients <= 0 {
		maxClients = DefaultMaxEventClients
	}

	GlobalEventStream = &EventStream{
		clients:    make(map[*EventClient]bool),
		broadcast:  make(chan scheduler.Event, 256),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
		shutdown:   make(chan struct{}),
		maxClients: maxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	go GlobalEventStream.run()

	log.Info().Int("max_clients", maxClients).Msg("Event stream initialized")
	return nil
}

// Attach subscribes the hub to a scheduler event bus.
func (s *EventStream) Attach(bus *scheduler.EventBus) {
	events, unsubscribe := bus.Subscribe()
	s.bus = bus
	s.unsubscribe = unsubscribe
	go s.pump(events)
}

// pump forwards bus events into the hub until the subscription closes.
func (s *EventStream) pump(events <-chan scheduler.Event) {
	for event := range events {
		select {
		case s.broadcast <- event:
		case <-s.shutdown:
			return
		}
	}
}

// Shutdown closes every client connection and detaches from the bus.
func (s *EventStream) Shutdown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.shutdown)

	s.mu.Lock()
	for client := range s.clients {
		close(client.send)
		client.conn.Close()
	}
	s.clients = make(map[*EventClient]bool)
	s.mu.Unlock()

	log.Info().Msg("Event stream shutdown complete")
}

// run is the hub loop.
func (s *EventStream) run() {
	for {
		select {
		case <-s.shutdown:
			return

		case client := <-s.register:
			s.mu.Lock()
			if len(s.clients) >= s.maxClients {
				s.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				log.Warn().Int("max_clients", s.maxClients).Msg("Event client rejected, hub at capacity")
				continue
			}
			s.clients[client] = true
			clientCount := len(s.clients)
			s.mu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Event client connected")

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			clientCount := len(s.clients)
			s.mu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Event client disconnected")

		case event := <-s.broadcast:
			data, err := json.Marshal(EventMessage{
				Type: event.Type,
				Data: event,
				Time: time.Now().Format(time.RFC3339),
			})
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal event frame")
				continue
			}

			s.mu.Lock()
			deadClients := make([]*EventClient, 0)
			for client := range s.clients {
				if !client.wants(event.JobID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Client buffer full, mark for removal
					deadClients = append(deadClients, client)
				}
			}
			for _, client := range deadClients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the connection and attaches the client.
func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	atCapacity := len(s.clients) >= s.maxClients
	s.mu.RUnlock()

	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Event stream upgrade failed")
		return
	}

	client := &EventClient{
		conn: conn,
		send: make(chan []byte, 256),
		jobs: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump(s)
}

// writePump writes frames and pings to the client connection.
func (c *EventClient) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client commands until the connection drops.
func (c *EventClient) readPump(s *EventStream) {
	defer func() {
		s.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("Event stream read error")
			}
			break
		}

		var cmd struct {
			Action string   `json:"action"`
			Jobs   []string `json:"jobs"`
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.mu.Lock()
			for _, jobID := range cmd.Jobs {
				c.jobs[jobID] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, jobID := range cmd.Jobs {
				delete(c.jobs, jobID)
			}
			c.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *EventStream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// GetStatus returns hub status info.
func (s *EventStream) GetStatus() map[string]interface{} {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	status := map[string]interface{}{
		"client_count": clientCount,
		"max_clients":  s.maxClients,
	}
	if s.bus != nil {
		status["subscribers"] = s.bus.SubscriberCount()
		status["dropped_events"] = s.bus.Dropped()
	}
	return status
}
