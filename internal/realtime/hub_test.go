package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hustlexp/money-core/internal/money/obs"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_EmptySubscriptionReceivesEverything(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	alert := obs.Alert{Severity: obs.SeverityInfo, Code: "escrow.released"}
	if !h.shouldSend(client, alert) {
		t.Error("empty subscription should receive every alert")
	}
}

func TestShouldSend_MinSeverityFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinSeverity: obs.SeverityWarning}}

	if h.shouldSend(client, obs.Alert{Severity: obs.SeverityInfo, Code: "x"}) {
		t.Error("info alert should be filtered out below a warning threshold")
	}
	if !h.shouldSend(client, obs.Alert{Severity: obs.SeverityWarning, Code: "x"}) {
		t.Error("warning alert should pass a warning threshold")
	}
	if !h.shouldSend(client, obs.Alert{Severity: obs.SeverityCritical, Code: "x"}) {
		t.Error("critical alert should pass a warning threshold")
	}
}

func TestShouldSend_CodeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Codes: []string{"saga_failed"}}}

	if !h.shouldSend(client, obs.Alert{Severity: obs.SeverityCritical, Code: "saga_failed"}) {
		t.Error("matching code should pass")
	}
	if h.shouldSend(client, obs.Alert{Severity: obs.SeverityCritical, Code: "escrow.released"}) {
		t.Error("non-matching code should be filtered out")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinSeverity: obs.SeverityCritical, Codes: []string{"saga_failed"}}}

	if h.shouldSend(client, obs.Alert{Severity: obs.SeverityWarning, Code: "saga_failed"}) {
		t.Error("right code but wrong severity should still be filtered")
	}
	if !h.shouldSend(client, obs.Alert{Severity: obs.SeverityCritical, Code: "saga_failed"}) {
		t.Error("matching both filters should pass")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_StatsInitial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalAlerts"].(int64) != 0 {
		t.Errorf("expected 0 total alerts, got %v", stats["totalAlerts"])
	}
}

func TestHub_SendAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Send(ctx, obs.Alert{Severity: obs.SeverityInfo, Code: "escrow.released"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalAlerts"].(int64) != 1 {
		t.Errorf("expected 1 total alert, got %v", stats["totalAlerts"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	_ = h.Send(ctx, obs.Alert{Severity: obs.SeverityCritical, Code: "saga_failed", Message: "ledger tx stuck"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected a non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants critical alerts.
	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{MinSeverity: obs.SeverityCritical}}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	_ = h.Send(ctx, obs.Alert{Severity: obs.SeverityInfo, Code: "escrow.released"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("client should not receive an info alert")
	default:
	}

	_ = h.Send(ctx, obs.Alert{Severity: obs.SeverityCritical, Code: "saga_failed"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected a non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("client should receive a critical alert")
	}
}
