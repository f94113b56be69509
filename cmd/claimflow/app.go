package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/claimflow/internal/api"
	"github.com/opensource-finance/claimflow/internal/approval"
	"github.com/opensource-finance/claimflow/internal/automation"
	"github.com/opensource-finance/claimflow/internal/bus"
	"github.com/opensource-finance/claimflow/internal/cache"
	"github.com/opensource-finance/claimflow/internal/claims"
	"github.com/opensource-finance/claimflow/internal/domain"
	"github.com/opensource-finance/claimflow/internal/extraction"
	"github.com/opensource-finance/claimflow/internal/fraud"
	"github.com/opensource-finance/claimflow/internal/lock"
	"github.com/opensource-finance/claimflow/internal/notify"
	"github.com/opensource-finance/claimflow/internal/payment"
	"github.com/opensource-finance/claimflow/internal/repository"
	"github.com/opensource-finance/claimflow/internal/rules"
	"github.com/opensource-finance/claimflow/internal/storage"
	"github.com/opensource-finance/claimflow/internal/velocity"
	"github.com/opensource-finance/claimflow/internal/worker"
	"github.com/opensource-finance/claimflow/internal/workflow"
)

// app holds every wired component of a running process.
type app struct {
	cfg *domain.Config

	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	locker lock.Locker
	files  domain.FileStorage

	rules      *rules.Engine
	extractor  *extraction.Extractor
	approvals  *approval.Engine
	machine    *workflow.Machine
	fraud      *fraud.Service
	automation *automation.Engine
	claims     *claims.Service
	worker     *worker.Worker

	closers []func() error
}

// buildApp wires the process. On error everything opened so far is closed.
func buildApp(ctx context.Context, cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// init creates infrastructure first, then the domain services on top.
func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	// Initialize Repository
	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Claim locks are shared through Redis whenever the cache is.
	if client := redisClient(a.cache); client != nil {
		a.locker = lock.NewRedisLocker(client, cfg.Workflow.LockTTL)
		slog.Info("lock initialized", "type", "redis", "ttl", cfg.Workflow.LockTTL)
	} else {
		a.locker = lock.NewKeyedMutex()
		slog.Info("lock initialized", "type", "local")
	}

	// Initialize document storage
	a.files, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	slog.Info("storage initialized", "driver", cfg.Storage.Driver)

	// Initialize extraction providers
	providers, err := extraction.NewProviders(ctx, cfg.Extraction)
	if err != nil {
		return fmt.Errorf("initialize extraction providers: %w", err)
	}
	health := extraction.NewProviderHealth(a.cache, cfg.Extraction.FailureThreshold, cfg.Extraction.FailureWindow)
	a.extractor, err = extraction.NewExtractor(providers, health, extraction.Config{
		MaxAttempts:    cfg.Extraction.MaxAttempts,
		AttemptTimeout: cfg.Extraction.AttemptTimeout,
		RetryBackoff:   cfg.Extraction.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("initialize extractor: %w", err)
	}
	pipeline := extraction.NewPipeline(a.repo, a.files, a.locker, a.bus, a.extractor, extraction.PipelineConfig{
		MaxFileBytes: cfg.Extraction.MaxFileBytes,
		LockTimeout:  cfg.Workflow.LockTimeout,
		Languages:    cfg.Extraction.Languages,
	})
	slog.Info("extraction initialized", "providers", cfg.Extraction.Providers)

	// Initialize Rule Engine
	a.rules, err = rules.NewEngine(cfg.Fraud.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	a.closers = append(a.closers, a.rules.Close)

	// Load rules from database (built-in fraud rules run regardless)
	if err := loadRulesFromDatabase(ctx, a.repo, a.rules); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", a.rules.RulesCount())

	// Approvals and the state machine
	a.approvals = approval.New(a.repo, a.repo, a.locker, a.bus, approval.Config{
		EscalateAfter: cfg.Approval.EscalateAfter,
		LockTimeout:   cfg.Workflow.LockTimeout,
	})
	a.machine = workflow.New(a.repo, a.locker, a.approvals, a.bus, workflow.Config{
		ApprovedAmountCeiling: cfg.Workflow.ApprovedAmountCeiling,
		StaleAfter:            cfg.Workflow.StaleAfter,
		LockTimeout:           cfg.Workflow.LockTimeout,
	})

	// Fraud detection
	vel := velocity.NewService(a.repo, velocity.Config{
		DuplicateWindowDays:      cfg.Automation.DuplicateWindowDays,
		DuplicateAmountTolerance: cfg.Automation.DuplicateAmountTolerance,
	}, nil)
	registry, err := fraud.NewRegistry(fraud.BuiltinRules(cfg.Fraud, cfg.Automation.RequiredDocuments)...)
	if err != nil {
		return fmt.Errorf("initialize fraud rules: %w", err)
	}
	a.fraud = fraud.NewService(fraud.NewDetector(registry, a.rules), a.repo, vel, a.locker, a.bus, fraud.Config{
		LockTimeout: cfg.Workflow.LockTimeout,
	})
	slog.Info("fraud detection initialized", "builtin_rules", len(registry.Rules()))

	// Automation
	a.automation = automation.New(automation.Deps{
		Claims:     a.repo,
		Documents:  a.repo,
		Audit:      a.repo,
		Machine:    a.machine,
		Duplicates: vel,
		Flagger:    a.fraud,
		Cache:      a.cache,
		Notifier:   notify.New(cfg.Notification, a.bus),
		Bus:        a.bus,
	}, automation.Config{AutomationConfig: cfg.Automation})

	// Claim commands
	a.claims = claims.New(claims.Deps{
		Repo:     a.repo,
		Files:    a.files,
		Locker:   a.locker,
		Bus:      a.bus,
		Machine:  a.machine,
		Pipeline: pipeline,
		Fraud:    a.fraud,
		Payments: payment.New(cfg.Payment),
	}, claims.Config{
		MaxFileBytes:      cfg.Extraction.MaxFileBytes,
		RequiredDocuments: cfg.Automation.RequiredDocuments,
		PaymentMethod:     cfg.Payment.DefaultMethod,
		PaymentTimeout:    cfg.Payment.Timeout,
		LockTimeout:       cfg.Workflow.LockTimeout,
		AmountCeiling:     cfg.Workflow.ApprovedAmountCeiling,
	})

	a.worker = worker.NewWorker(a.bus, a.claims, a.automation, a.approvals, worker.Config{
		Workers:       cfg.Extraction.Workers,
		SweepInterval: cfg.Automation.SweepInterval,
	})

	return nil
}

// services exposes the components the HTTP API needs.
func (a *app) services() api.Services {
	return api.Services{
		Repo:       a.repo,
		Cache:      a.cache,
		Bus:        a.bus,
		Claims:     a.claims,
		Machine:    a.machine,
		Approvals:  a.approvals,
		Fraud:      a.fraud,
		Automation: a.automation,
		Rules:      a.rules,
		Extractor:  a.extractor,
	}
}

// Close releases infrastructure in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// redisClient returns the Redis client behind the cache, if any.
func redisClient(c domain.Cache) *redis.Client {
	switch impl := c.(type) {
	case *cache.RedisCache:
		return impl.Client()
	case *cache.TwoPhaseCache:
		return impl.Remote().Client()
	default:
		return nil
	}
}

// loadRulesFromDatabase loads the latest version of every stored CEL rule.
// Rules are managed through POST /rules; an empty table is not an error.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(stored) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules API")
		return nil
	}

	latest := api.LatestVersions(stored)
	slog.Info("loading rules from database", "count", len(latest))
	return engine.LoadRules(latest)
}
