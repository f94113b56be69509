// Package worker runs the asynchronous side of the claim lifecycle:
// document extraction, event-driven automation and the periodic sweeps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/domain"
)

// DocumentProcessor runs the extraction pipeline for one document.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, documentID, preferred string) (*domain.ClaimDocument, error)
}

// Automator evaluates the automation rules.
type Automator interface {
	Evaluate(ctx context.Context, claimID, requestKey string) (*domain.AutomationResult, error)
	Sweep(ctx context.Context) (int, error)
}

// Escalator escalates overdue approval requests.
type Escalator interface {
	EscalateOverdue(ctx context.Context) (int, error)
}

// Config holds worker configuration.
type Config struct {
	// Workers bounds concurrent document extractions.
	Workers int

	// SweepInterval is the period of the escalation and automation sweeps.
	// Zero disables the periodic loop.
	SweepInterval time.Duration
}

// Worker consumes lifecycle events from the EventBus.
type Worker struct {
	bus       domain.EventBus
	documents DocumentProcessor
	automator Automator
	escalator Escalator
	cfg       Config

	sem           chan struct{}
	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. Any of documents, automator and escalator may
// be nil; the matching subscriptions are then skipped.
func NewWorker(eventBus domain.EventBus, documents DocumentProcessor, automator Automator, escalator Escalator, cfg Config) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		documents: documents,
		automator: automator,
		escalator: escalator,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the lifecycle topics and starts the sweep loop.
func (w *Worker) Start() error {
	if w.documents != nil {
		if err := w.subscribe(domain.TopicDocumentUploaded, w.handleUploaded); err != nil {
			return err
		}
	}
	if w.automator != nil {
		if err := w.subscribe(domain.TopicDocumentProcessed, w.handleProcessed); err != nil {
			return err
		}
		if err := w.subscribe(domain.TopicFraudScored, w.handleScored); err != nil {
			return err
		}
	}

	if w.cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.sweepLoop()
	}

	slog.Info("workers started",
		"subscriptions", len(w.subscriptions),
		"extraction_workers", w.cfg.Workers,
		"sweep_interval", w.cfg.SweepInterval,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, topic, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Debug("worker subscribed", "topic", topic)
	return nil
}

// handleUploaded hands the document to the extraction pool. The handler
// blocks while every slot is busy, which pushes back on the bus.
func (w *Worker) handleUploaded(ctx context.Context, msg *domain.Message) error {
	ev, err := bus.DecodeEvent(msg)
	if err != nil {
		return err
	}
	if ev.DocumentID == "" {
		return fmt.Errorf("%w: document.uploaded event without document id", domain.ErrInvalidInput)
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.processDocument(w.ctx, ev)
	}()
	return nil
}

func (w *Worker) processDocument(ctx context.Context, ev domain.ClaimEvent) {
	start := time.Now()
	doc, err := w.documents.ProcessDocument(ctx, ev.DocumentID, "")
	if err != nil {
		slog.Warn("document processing failed",
			"claim_id", ev.ClaimID,
			"document_id", ev.DocumentID,
			"error", err,
		)
		return
	}
	slog.Info("document processed",
		"claim_id", doc.ClaimID,
		"document_id", doc.ID,
		"status", doc.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// handleProcessed re-evaluates automation once per processed document.
func (w *Worker) handleProcessed(ctx context.Context, msg *domain.Message) error {
	ev, err := bus.DecodeEvent(msg)
	if err != nil {
		return err
	}
	return w.evaluate(ctx, ev.ClaimID, "document:"+ev.DocumentID)
}

// handleScored re-evaluates automation once per fraud assessment.
func (w *Worker) handleScored(ctx context.Context, msg *domain.Message) error {
	ev, err := bus.DecodeEvent(msg)
	if err != nil {
		return err
	}
	return w.evaluate(ctx, ev.ClaimID, "fraud:"+ev.OccurredAt.UTC().Format(time.RFC3339Nano))
}

func (w *Worker) evaluate(ctx context.Context, claimID, key string) error {
	if claimID == "" {
		return fmt.Errorf("%w: event without claim id", domain.ErrInvalidInput)
	}
	res, err := w.automator.Evaluate(ctx, claimID, key)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("claim gone before automation", "claim_id", claimID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("automation for %s: %w", claimID, err)
	}
	if res.Duplicate {
		slog.Debug("automation already applied", "claim_id", claimID, "request_key", key)
		return nil
	}
	if applied := res.Applied(); len(applied) > 0 {
		names := make([]string, len(applied))
		for i, f := range applied {
			names[i] = f.Rule
		}
		slog.Info("automation applied",
			"claim_id", claimID,
			"rules", names,
			"request_key", key,
		)
	}
	return nil
}

func (w *Worker) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(w.ctx); err != nil && w.ctx.Err() == nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepResult counts the work done by one sweep.
type SweepResult struct {
	Escalated int `json:"escalated"`
	Automated int `json:"automated"`
}

// RunOnce escalates overdue approvals and then sweeps stale claims.
// Both steps run even when the first fails.
func (w *Worker) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	if w.escalator != nil {
		n, err := w.escalator.EscalateOverdue(ctx)
		res.Escalated = n
		if err != nil {
			errs = append(errs, fmt.Errorf("escalate overdue approvals: %w", err))
		}
	}
	if w.automator != nil {
		n, err := w.automator.Sweep(ctx)
		res.Automated = n
		if err != nil {
			errs = append(errs, fmt.Errorf("automation sweep: %w", err))
		}
	}

	slog.Info("sweep finished",
		"escalated", res.Escalated,
		"automated", res.Automated,
	)
	return res, errors.Join(errs...)
}

// Stop unsubscribes and waits for in-flight work.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	BusyWorkers       int      `json:"busyWorkers"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		BusyWorkers:       len(w.sem),
	}
}
