// Package sockettest provides an in-process Socket.IO server for tests.
package sockettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Event struct {
	Name    string
	Payload json.RawMessage
}

type Server struct {
	*httptest.Server

	// Events receives every event the clients emit.
	Events chan Event

	mu      sync.Mutex
	conns   map[*websocket.Conn]*sync.Mutex
	refuse  bool
	connect chan struct{}
	pongs   chan struct{}

	pingInterval time.Duration
	pingTimeout  time.Duration
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func NewServer() *Server {
	s := &Server{
		Events:  make(chan Event, 100),
		conns:   make(map[*websocket.Conn]*sync.Mutex),
		connect: make(chan struct{}, 100),
		pongs:   make(chan struct{}, 100),

		pingInterval: 25 * time.Second,
		pingTimeout:  20 * time.Second,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Refuse makes subsequent namespace connects fail with a connect error.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// SetHeartbeat changes the ping interval and timeout advertised in the open
// packet of subsequent connections. The server never pings on its own.
func (s *Server) SetHeartbeat(interval, timeout time.Duration) {
	s.mu.Lock()
	s.pingInterval = interval
	s.pingTimeout = timeout
	s.mu.Unlock()
}

// Connected receives once per accepted namespace connect.
func (s *Server) Connected() <-chan struct{} {
	return s.connect
}

// Pongs receives once per pong answered by a client.
func (s *Server) Pongs() <-chan struct{} {
	return s.pongs
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad transport", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeMu := &sync.Mutex{}
	write := func(frame string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}

	s.mu.Lock()
	open := fmt.Sprintf(`0{"sid":"test-sid","upgrades":[],"pingInterval":%d,"pingTimeout":%d,"maxPayload":1000000}`,
		s.pingInterval.Milliseconds(), s.pingTimeout.Milliseconds())
	s.mu.Unlock()
	if err := write(open); err != nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.drop(conn)
			return
		}
		frame := string(msg)
		switch {
		case frame == "40":
			s.mu.Lock()
			refuse := s.refuse
			s.mu.Unlock()
			if refuse {
				_ = write(`44{"message":"refused"}`)
				continue
			}
			s.mu.Lock()
			s.conns[conn] = writeMu
			s.mu.Unlock()
			if err := write(`40{"sid":"ns-sid"}`); err != nil {
				return
			}
			s.connect <- struct{}{}
		case frame == "3":
			s.pongs <- struct{}{}
		case frame == "41":
			s.drop(conn)
			return
		case len(frame) > 2 && frame[:2] == "42":
			var parts []json.RawMessage
			if err := json.Unmarshal([]byte(frame[2:]), &parts); err != nil || len(parts) == 0 {
				continue
			}
			var name string
			_ = json.Unmarshal(parts[0], &name)
			ev := Event{Name: name}
			if len(parts) > 1 {
				ev.Payload = parts[1]
			}
			s.Events <- ev
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Emit sends an event to every connected client.
func (s *Server) Emit(event string, payload any) error {
	b, err := json.Marshal([]any{event, payload})
	if err != nil {
		return err
	}
	frame := append([]byte("42"), b...)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, mu := range s.conns {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Ping sends an Engine.IO ping to every connected client.
func (s *Server) Ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, mu := range s.conns {
		mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("2"))
		mu.Unlock()
	}
}

// Kick disconnects every client from the namespace.
func (s *Server) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, mu := range s.conns {
		mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("41"))
		mu.Unlock()
		delete(s.conns, conn)
	}
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
