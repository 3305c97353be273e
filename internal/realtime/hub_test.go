package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/chainbill/internal/invoice"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func invoiceEvent(id, project string, status invoice.Status) *Event {
	return &Event{
		Type:      EventInvoiceUpdated,
		Timestamp: time.Now(),
		Data:      InvoiceEvent{InvoiceID: id, ProjectID: project, Status: status},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_InvoiceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{InvoiceIDs: []string{"inv_a"}}}

	if !h.shouldSend(client, invoiceEvent("inv_a", "proj_1", invoice.StatusSubmitted)) {
		t.Error("Should receive events for a watched invoice")
	}
	if h.shouldSend(client, invoiceEvent("inv_b", "proj_1", invoice.StatusSubmitted)) {
		t.Error("Should NOT receive events for other invoices")
	}
}

func TestShouldSend_ProjectFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{ProjectIDs: []string{"proj_1"}}}

	if !h.shouldSend(client, invoiceEvent("inv_x", "proj_1", invoice.StatusConfirmed)) {
		t.Error("Should receive events for any invoice of a watched project")
	}
	if h.shouldSend(client, invoiceEvent("inv_y", "proj_2", invoice.StatusConfirmed)) {
		t.Error("Should NOT receive events for other projects")
	}
}

func TestShouldSend_StatusNarrowing(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		ProjectIDs: []string{"proj_1"},
		Statuses:   []invoice.Status{invoice.StatusConfirmed, invoice.StatusFailed},
	}}

	if h.shouldSend(client, invoiceEvent("inv_a", "proj_1", invoice.StatusVerifying)) {
		t.Error("Should NOT receive statuses outside the filter")
	}
	if !h.shouldSend(client, invoiceEvent("inv_a", "proj_1", invoice.StatusFailed)) {
		t.Error("Should receive failed events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{}

	if h.shouldSend(client, invoiceEvent("inv_a", "proj_1", invoice.StatusPending)) {
		t.Error("Empty subscription should receive nothing")
	}
}

func TestClampSubscription(t *testing.T) {
	ids := make([]string, maxFilterIDs+10)
	for i := range ids {
		ids[i] = "inv"
	}
	s := clampSubscription(Subscription{InvoiceIDs: ids, ProjectIDs: ids})
	if len(s.InvoiceIDs) != maxFilterIDs || len(s.ProjectIDs) != maxFilterIDs {
		t.Errorf("Expected filters clamped to %d, got %d/%d", maxFilterIDs, len(s.InvoiceIDs), len(s.ProjectIDs))
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?invoiceId=inv_a&invoiceId=inv_b&projectId=proj_1", nil)
	s := subscriptionFromQuery(r)
	if len(s.InvoiceIDs) != 2 || s.ProjectIDs[0] != "proj_1" {
		t.Errorf("unexpected subscription %+v", s)
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 16)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_InvoiceUpdatedReachesWatcher(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	watching := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{InvoiceIDs: []string{"inv_a"}}}
	other := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{InvoiceIDs: []string{"inv_b"}}}
	h.register <- watching
	h.register <- other

	h.InvoiceUpdated(&invoice.Invoice{
		ID:        "inv_a",
		ProjectID: "proj_1",
		Status:    invoice.StatusConfirmed,
		Chain:     "base",
		TxHash:    "0xabc",
	})
	h.InvoiceUpdated(nil)

	select {
	case msg := <-watching.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.Type != EventInvoiceUpdated || ev.Data.Status != invoice.StatusConfirmed || ev.Data.TxHash != "0xabc" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for invoice event")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-other.send:
		t.Error("Client watching another invoice should NOT receive the event")
	default:
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
		t.Fatal("Hub did not stop after context cancellation")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != 503 {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?invoiceId=inv_live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Wait for registration before publishing.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.InvoiceUpdated(&invoice.Invoice{ID: "inv_live", ProjectID: "proj_1", Status: invoice.StatusVerifying})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data.InvoiceID != "inv_live" || ev.Data.Status != invoice.StatusVerifying {
		t.Errorf("unexpected event %+v", ev)
	}
}

func httpHandler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	return mux
}
