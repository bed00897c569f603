package mocks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// AdvisoryServer is an in-process notification service for tests. It accepts
// websocket connections, records the session IDs that join, and echoes every
// JSON message it receives back to the sender. Broadcast lets tests inject
// server-originated events.
type AdvisoryServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []string
	received []json.RawMessage
	conns    map[*websocket.Conn]struct{}
}

func NewAdvisoryServer() *AdvisoryServer {
	s := &AdvisoryServer{conns: make(map[*websocket.Conn]struct{})}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// endpoint clients should dial.
func (s *AdvisoryServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *AdvisoryServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, r.URL.Query().Get("session"))
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// s.mu also serializes writes against Broadcast; gorilla conns
		// allow only one writer at a time.
		s.mu.Lock()
		s.received = append(s.received, json.RawMessage(append([]byte(nil), data...)))
		writeErr := conn.WriteMessage(websocket.TextMessage, data)
		s.mu.Unlock()
		if writeErr != nil {
			return
		}
	}
}

// Broadcast sends one JSON message to every connected client.
func (s *AdvisoryServer) Broadcast(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// Sessions returns the session IDs seen on accepted connections.
func (s *AdvisoryServer) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions...)
}

// Received returns the raw messages clients have published.
func (s *AdvisoryServer) Received() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.received...)
}

// Close shuts the server down and drops every open connection.
func (s *AdvisoryServer) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	s.srv.Close()
}
