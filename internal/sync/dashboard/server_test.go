package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenceapp/cadence-sync/internal/sync/engine"
)

// stubStatus serves a fixed engine status.
type stubStatus struct {
	status engine.Status
}

func (s *stubStatus) Status() engine.Status { return s.status }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testServer(t *testing.T, status StatusProvider) *Server {
	t.Helper()

	srv := NewServer(status, &Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(discard{}, "", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestServer_Health(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("Health = %+v", body)
	}
}

func TestServer_Status(t *testing.T) {
	status := &stubStatus{status: engine.Status{
		State:       engine.StateBlocked,
		Reason:      "account scope ambiguous",
		CompletedAt: time.Now().UTC(),
		Processed:   3,
		Failed:      1,
	}}
	srv := testServer(t, status)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("Status request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode status body: %v", err)
	}
	if body["state"] != "blocked" {
		t.Errorf("state = %v, want blocked", body["state"])
	}
	if body["reason"] != "account scope ambiguous" {
		t.Errorf("reason = %v", body["reason"])
	}
	if body["processed"] != float64(3) {
		t.Errorf("processed = %v, want 3", body["processed"])
	}
}

func TestServer_StatusWithoutProvider(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("Status request failed: %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Failed to decode status body %q: %v", data, err)
	}
	if body["state"] != "unknown" {
		t.Errorf("state = %v, want unknown", body["state"])
	}
}

func TestServer_BroadcastCycle(t *testing.T) {
	srv := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	srv.PublishCycle(engine.Status{
		State:     engine.StateReady,
		Pulled:    12,
		Processed: 2,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message %q: %v", data, err)
	}
	if msg.Type != MessageTypeCycle {
		t.Errorf("Type = %s, want cycle", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}

	var cycle CycleData
	if err := json.Unmarshal(msg.Data, &cycle); err != nil {
		t.Fatalf("Failed to decode cycle data: %v", err)
	}
	if cycle.State != "ready" || cycle.Pulled != 12 || cycle.Processed != 2 {
		t.Errorf("Cycle = %+v", cycle)
	}
}

// TestServer_BlockedCycleBroadcastsTwice tests that a blocked cycle emits
// both the cycle message and a dedicated blocked message
func TestServer_BlockedCycleBroadcastsTwice(t *testing.T) {
	srv := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	srv.PublishCycle(engine.Status{
		State:  engine.StateBlocked,
		Reason: "account scope ambiguous",
	})

	var types []MessageType
	for i := 0; i < 2; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read broadcast %d: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to decode message: %v", err)
		}
		types = append(types, msg.Type)
	}

	if types[0] != MessageTypeCycle || types[1] != MessageTypeBlocked {
		t.Errorf("Message types = %v, want [cycle blocked]", types)
	}
}

func TestServer_PublishOutboxDepth(t *testing.T) {
	srv := testServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	srv.PublishOutboxDepth(7)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if msg.Type != MessageTypeOutbox {
		t.Errorf("Type = %s, want outbox", msg.Type)
	}

	var outbox OutboxData
	if err := json.Unmarshal(msg.Data, &outbox); err != nil {
		t.Fatalf("Failed to decode outbox data: %v", err)
	}
	if outbox.Depth != 7 {
		t.Errorf("Depth = %d, want 7", outbox.Depth)
	}
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	srv := NewServer(nil, &Config{
		Addr:   "127.0.0.1:0",
		Logger: log.New(discard{}, "", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return srv.ClientCount() == 1 })

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if srv.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after stop, want 0", srv.ClientCount())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met within deadline")
}
