package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type syncFrames struct {
	mu  sync.Mutex
	fps []float64
}

func (f *syncFrames) Record(fps float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fps = append(f.fps, fps)
	return true
}

func (f *syncFrames) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fps)
}

func startHub(t *testing.T, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(10*time.Millisecond, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		hub.Stop()
		server.Close()
	})
	// Convert http:// to ws://
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected status %d, got %d", http.StatusSwitchingProtocols, resp.StatusCode)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readCount reads presence messages until one reports want or the deadline passes.
func readCount(t *testing.T, ws *websocket.Conn, want int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for count %d: %v", want, err)
		}
		var msg struct {
			Type    string             `json:"type"`
			Payload ActiveUsersPayload `json:"payload"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if msg.Type != "active_users" {
			t.Fatalf("Expected active_users message, got %s", msg.Type)
		}
		if msg.Payload.Count == want {
			return
		}
	}
}

func TestPresenceBroadcastsActiveUsers(t *testing.T) {
	hub, url := startHub(t)

	first := dial(t, url)
	readCount(t, first, 1)

	second := dial(t, url)
	readCount(t, first, 2)
	readCount(t, second, 2)

	if got := hub.ActiveUsers(); got != 2 {
		t.Errorf("expected 2 active users, got %d", got)
	}

	second.Close()
	readCount(t, first, 1)
}

func TestPresenceFrameReports(t *testing.T) {
	frames := &syncFrames{}
	_, url := startHub(t, WithFrameReports(frames))

	ws := dial(t, url)
	readCount(t, ws, 1)

	for _, msg := range []string{`{"type":"frames","fps":42}`, `{"type":"other"}`, `not json`, `{"type":"frames","fps":99999}`} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for frames.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// give the remaining messages time to be (not) recorded
	time.Sleep(50 * time.Millisecond)
	if got := frames.count(); got != 1 {
		t.Errorf("expected exactly one frame report, got %d", got)
	}
}

func TestServeWSAfterStop(t *testing.T) {
	hub := NewHub(time.Millisecond)
	hub.Stop()

	rr := httptest.NewRecorder()
	hub.ServeWS(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rr.Code)
	}
}
