package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"
	"go.uber.org/zap"
	ws "nhooyr.io/websocket"
)

func TestWSHandlerRequiresSessionID(t *testing.T) {
	h := NewHub(100, time.Hour, zap.NewNop())
	srv := httptest.NewServer(WSHandler(h, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without session_id, got %d", resp.StatusCode)
	}
}

func TestWSSubscriberReceivesBroadcasts(t *testing.T) {
	h := NewHub(100, time.Hour, zap.NewNop())
	srv := httptest.NewServer(WSHandler(h, zap.NewNop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "?session_id=s1"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "done")

	// Ждем регистрации подписчика в хабе
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.SubscriberCount("s1") == 0 {
		t.Fatal("subscriber never attached")
	}

	sent := h.Notify("s1", domain.BroadcastEventAdded, map[string]interface{}{"event_id": "e1"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got domain.BroadcastEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got.ID != sent.ID || got.Kind != domain.BroadcastEventAdded {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestWSSubscriberMarkedClosedOnWriteFailure(t *testing.T) {
	h := NewHub(100, time.Hour, zap.NewNop())
	srv := httptest.NewServer(WSHandler(h, zap.NewNop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "?session_id=s1"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close(ws.StatusNormalClosure, "bye")

	// После разрыва подписчик вычищается; рассылка не паникует
	deadline = time.Now().Add(2 * time.Second)
	for h.SubscriberCount("s1") > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.SubscriberCount("s1") != 0 {
		t.Fatal("disconnected subscriber was not removed")
	}
	h.Notify("s1", domain.BroadcastEventAdded, nil)
}
