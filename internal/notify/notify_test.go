package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mmynk/partypay/internal/models"
)

func TestWebhookPublisher(t *testing.T) {
	var (
		mu  sync.Mutex
		got []models.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		var e models.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("Failed to decode event: %v", err)
		}
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	p.Publish(ctx, models.Event{Type: models.EventSettlementCompleted, UserID: "leader", Amount: 25500, ReferenceID: "s1"})
	cancel()
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	if got[0].Amount != 25500 || got[0].Type != models.EventSettlementCompleted {
		t.Errorf("Unexpected event %+v", got[0])
	}
}

func TestWebhookPublisher_FailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWebhookPublisher(srv.URL, time.Second)
	p.Publish(context.Background(), models.Event{Type: models.EventDepositRefunded})
	p.Wait()
}

func TestRecorderAndMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b, LogPublisher{}}

	m.Publish(context.Background(), models.Event{Type: models.EventDepositRefunded, Amount: 1})
	m.Publish(context.Background(), models.Event{Type: models.EventDepositForfeited, Amount: 2})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("Expected both recorders to see 2 events, got %d and %d", len(a.Events()), len(b.Events()))
	}
	if got := a.OfType(models.EventDepositForfeited); len(got) != 1 || got[0].Amount != 2 {
		t.Errorf("Unexpected forfeited events %+v", got)
	}
}
