package analytics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestWebhookSender(t *testing.T) {
	var mu sync.Mutex
	var received [][]Event
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var events []Event
		if err := sonic.Unmarshal(body, &events); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		received = append(received, events)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	b := NewEventBuilder("/eventbus", "test")
	events := []Event{b.SocketOpened("s1", "10.0.0.1"), b.Forwarded("s1", "app.chat")}

	if err := NewWebhookSender(ok.URL).SendBatch(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewWebhookSender(ok.URL+" , "+failing.URL).SendBatch(context.Background(), events); err == nil {
		t.Fatal("expected an error from the failing webhook")
	}
	if err := NewWebhookSender("").SendBatch(context.Background(), events); err != nil {
		t.Fatalf("empty URL list must be a no-op, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(received))
	}
	if received[0][1].Address != "app.chat" || received[0][0].Remote != "10.0.0.1" {
		t.Fatalf("unexpected batch %+v", received[0])
	}
}

type captureSender struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSender) SendBatch(_ context.Context, events []Event) error {
	c.mu.Lock()
	c.events = append(c.events, events...)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestCollectorFlushes(t *testing.T) {
	rc := NewRingCollector(10)
	sender := &captureSender{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewCollector(rc, sender, time.Hour).Run(ctx)
		close(done)
	}()

	rc.TryAdd(Event{Name: "one"})
	deadline := time.Now().Add(2 * time.Second)
	for sender.len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed on notify")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	rc.TryAdd(Event{Name: "late"})
	if sender.len() != 1 {
		t.Fatalf("collector kept running after cancel")
	}
}
