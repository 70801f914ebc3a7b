// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wsrelay fans out JSON messages to websocket subscribers.
package wsrelay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// Message types.
const (
	MessageTypeConfirmationRequested = "confirmation.requested"
	MessageTypeConfirmationResolved  = "confirmation.resolved"
	MessageTypeHello                 = "hello"
)

// Message is the envelope written to subscribers.
type Message struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

type session struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	mu   sync.Mutex
	out  chan Message
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn, hub *Hub, id string) *session {
	return &session{
		id:   id,
		conn: conn,
		hub:  hub,
		out:  make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
}

// send writes msg synchronously.
func (s *session) send(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbound queue until the session closes.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			if err := s.send(context.Background(), msg); err != nil {
				log.WithError(err).WithField("session", s.id).Debug("wsrelay: write failed")
				s.hub.remove(s)
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.hub.remove(s)
				return
			}
		}
	}
}

// readLoop discards client frames and detects disconnects.
func (s *session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.hub.remove(s)
			return
		}
	}
}

// Hub tracks subscribers and broadcasts to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	upgrader websocket.Upgrader
	seq      uint64
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("wsrelay: upgrade failed")
		return
	}
	h.Attach(conn)
}

// Attach subscribes an established connection.
func (h *Hub) Attach(conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.seq++
	s := newSession(conn, h, conn.RemoteAddr().String()+"#"+strconv.FormatUint(h.seq, 10))
	h.sessions[s.id] = s
	h.mu.Unlock()

	s.out <- Message{ID: s.id, Type: MessageTypeHello}
	go s.writeLoop()
	go s.readLoop()
}

// Broadcast queues msg for every subscriber. Slow subscribers whose queue is
// full are disconnected.
func (h *Hub) Broadcast(msg Message) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	h.mu.RLock()
	var slow []*session
	for _, s := range h.sessions {
		select {
		case s.out <- msg:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		log.WithField("session", s.id).Warn("wsrelay: subscriber too slow, disconnecting")
		h.remove(s)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	s.close()
}
