package wsrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func TestSession_Send_Correctness(t *testing.T) {
	// Setup echo server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, message, err := c.ReadMessage()
			if err != nil {
				break
			}
			if err := c.WriteMessage(mt, message); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sess := newSession(conn, nil, "test-session")

	msg := Message{
		ID:   "conf-123",
		Type: MessageTypeConfirmationRequested,
		Payload: map[string]any{
			"investigation_id": "inv-1",
			"plan": map[string]any{
				"risk":       "HIGH",
				"confidence": 0.8,
			},
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, p, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("ReadMessage failed: %v", err)
			return
		}

		var received Message
		if err := json.Unmarshal(p, &received); err != nil {
			t.Errorf("Unmarshal failed: %v", err)
			return
		}
		if received.ID != msg.ID {
			t.Errorf("Expected ID %s, got %s", msg.ID, received.ID)
		}
		if received.Type != msg.Type {
			t.Errorf("Expected Type %s, got %s", msg.Type, received.Type)
		}
		if received.SentAt.IsZero() {
			t.Error("Expected SentAt to be stamped")
		}
	}()

	if err := sess.send(context.Background(), msg); err != nil {
		t.Fatalf("session.send failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for echo")
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	read := func() Message {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, p, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var m Message
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		return m
	}

	if hello := read(); hello.Type != MessageTypeHello {
		t.Fatalf("Expected hello, got %s", hello.Type)
	}
	if hub.Len() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", hub.Len())
	}

	hub.Broadcast(Message{ID: "c1", Type: MessageTypeConfirmationResolved, Payload: map[string]string{"status": "approved"}})
	got := read()
	if got.ID != "c1" || got.Type != MessageTypeConfirmationResolved {
		t.Fatalf("Unexpected message: %+v", got)
	}

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected the connection to be closed")
	}
}

func BenchmarkSession_Send(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		b.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sess := newSession(conn, nil, "bench-session")
	msg := Message{
		ID:   "bench-msg",
		Type: "bench",
		Payload: map[string]any{
			"data": strings.Repeat("X", 1024),
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := sess.send(context.Background(), msg); err != nil {
			b.Fatalf("send failed: %v", err)
		}
	}
}
