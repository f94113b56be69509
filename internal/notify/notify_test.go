package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBusNotifier(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(10)
	defer b.Close()

	got := make(chan domain.ClaimEvent, 1)
	_, err := b.Subscribe(ctx, domain.TopicSLABreached, func(_ context.Context, msg *domain.Message) error {
		ev, err := bus.DecodeEvent(msg)
		if err != nil {
			return err
		}
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	n := NewBusNotifier(b)
	if err := n.Notify(ctx, domain.TopicSLABreached, domain.ClaimEvent{ClaimID: "clm-1", Reason: "sla"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.ClaimID != "clm-1" {
			t.Errorf("expected claim clm-1, got %s", ev.ClaimID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var body struct {
			Event   string            `json:"event"`
			Payload domain.ClaimEvent `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Event != r.Header.Get("X-Claimflow-Event") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Payload.ClaimID == "clm-flaky" && n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if body.Payload.ClaimID == "clm-rejected" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second, 2)
	ctx := context.Background()

	t.Run("RetriesServerError", func(t *testing.T) {
		calls.Store(0)
		if err := n.Notify(ctx, domain.TopicSLABreached, domain.ClaimEvent{ClaimID: "clm-flaky"}); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("expected 2 calls, got %d", calls.Load())
		}
	})

	t.Run("ClientErrorFails", func(t *testing.T) {
		calls.Store(0)
		if err := n.Notify(ctx, domain.TopicSLABreached, domain.ClaimEvent{ClaimID: "clm-rejected"}); err == nil {
			t.Error("expected error for 400 response")
		}
		if calls.Load() != 1 {
			t.Errorf("expected no retry on 400, got %d calls", calls.Load())
		}
	})
}

func TestFanout(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("down")}
	c := &recordingNotifier{}

	err := Fanout{a, b, c}.Notify(context.Background(), "evt", nil)
	if err == nil {
		t.Error("expected joined error")
	}
	if a.count() != 1 || c.count() != 1 {
		t.Error("expected every target to be called despite a failure")
	}
}

func TestAsync(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("down")}
	a := NewAsync(rec, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Notify(ctx, "evt", nil); err != nil {
		t.Errorf("expected nil from async notify, got %v", err)
	}
	cancel()
	a.Wait()

	if rec.count() != 1 {
		t.Errorf("expected delivery after caller cancelled, got %d", rec.count())
	}
}

func TestNew(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	n := New(domain.NotificationConfig{PublishToBus: true, WebhookURL: "http://localhost:1"}, b)
	fan, ok := n.next.(Fanout)
	if !ok || len(fan) != 2 {
		t.Fatalf("expected fan-out to bus and webhook, got %T", n.next)
	}
}
