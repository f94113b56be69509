// Package notify delivers lifecycle notifications to the event bus and
// external webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/httpclient"
)

// New builds the notifier chain for cfg. The result dispatches in the
// background and never blocks the caller.
func New(cfg domain.NotificationConfig, eventBus domain.EventBus) *Async {
	var targets []domain.Notifier
	if cfg.PublishToBus && eventBus != nil {
		targets = append(targets, NewBusNotifier(eventBus))
	}
	if cfg.WebhookURL != "" {
		targets = append(targets, NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout, cfg.RetryMax))
	}
	return NewAsync(Fanout(targets), cfg.Timeout)
}

// BusNotifier publishes notifications on the event bus under the event name.
type BusNotifier struct {
	bus domain.EventBus
}

// NewBusNotifier creates a bus notifier.
func NewBusNotifier(b domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: b}
}

// Notify publishes payload on the topic named by event.
func (n *BusNotifier) Notify(ctx context.Context, event string, payload any) error {
	if ev, ok := payload.(domain.ClaimEvent); ok {
		return bus.PublishEvent(ctx, n.bus, event, ev)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", event, err)
	}
	return n.bus.Publish(ctx, event, data)
}

// WebhookNotifier posts notifications as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with retries on transport
// errors and 5xx responses.
func NewWebhookNotifier(url string, timeout time.Duration, retryMax int) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: httpclient.NewRetryable(httpclient.Config{
			Timeout:       timeout,
			RetryCount:    retryMax,
			RetryWaitTime: 100 * time.Millisecond,
			RetryMaxWait:  2 * time.Second,
		}),
	}
}

type webhookBody struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// Notify posts one notification.
func (n *WebhookNotifier) Notify(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(webhookBody{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Claimflow-Event", event)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: %d", event, resp.StatusCode)
	}
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []domain.Notifier

// Notify delivers to all targets.
func (f Fanout) Notify(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async dispatches notifications on background goroutines. Failures are
// logged; the caller always gets nil.
type Async struct {
	next    domain.Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery is bounded by timeout.
func NewAsync(next domain.Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Notify starts delivery and returns immediately. Delivery outlives ctx.
func (a *Async) Notify(ctx context.Context, event string, payload any) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()

		if err := a.next.Notify(dctx, event, payload); err != nil {
			slog.Warn("notification delivery failed",
				"event", event,
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
