// Package config resolves the runtime configuration: defaults for the tier,
// then an optional YAML file, then CLAIMFLOW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/claimflow/internal/domain"
)

// Load resolves configuration in priority order: tier defaults -> file -> env.
// An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	return load(path, os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func load(path string, lookup lookupFunc) (*domain.Config, error) {
	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		raw = b
	}

	// The tier picks the defaults, so resolve it before decoding the rest.
	tier := domain.TierCommunity
	if len(raw) > 0 {
		var head struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if head.Tier != "" {
			tier = head.Tier
		}
	}
	if v, ok := lookup("CLAIMFLOW_TIER"); ok && v != "" {
		tier = domain.Tier(v)
	}

	var cfg *domain.Config
	switch tier {
	case domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, tier)
	}

	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.Tier = tier

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("CLAIMFLOW_HOST", &cfg.Server.Host)
	integer("CLAIMFLOW_PORT", &cfg.Server.Port)

	str("CLAIMFLOW_DB_DRIVER", &cfg.Repository.Driver)
	str("CLAIMFLOW_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("CLAIMFLOW_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	integer("CLAIMFLOW_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("CLAIMFLOW_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("CLAIMFLOW_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("CLAIMFLOW_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("CLAIMFLOW_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("CLAIMFLOW_CACHE_TYPE", &cfg.Cache.Type)
	str("CLAIMFLOW_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("CLAIMFLOW_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	str("CLAIMFLOW_BUS_TYPE", &cfg.EventBus.Type)
	str("CLAIMFLOW_NATS_URL", &cfg.EventBus.NATSUrl)
	str("CLAIMFLOW_NATS_TOKEN", &cfg.EventBus.NATSToken)
	list("CLAIMFLOW_KAFKA_BROKERS", &cfg.EventBus.KafkaBrokers)
	str("CLAIMFLOW_CONSUMER_GROUP", &cfg.EventBus.ConsumerGroup)

	str("CLAIMFLOW_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("CLAIMFLOW_STORAGE_DIR", &cfg.Storage.LocalDir)
	str("CLAIMFLOW_S3_BUCKET", &cfg.Storage.S3Bucket)
	str("CLAIMFLOW_S3_REGION", &cfg.Storage.S3Region)
	str("CLAIMFLOW_S3_ENDPOINT", &cfg.Storage.S3Endpoint)
	str("CLAIMFLOW_AWS_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	str("CLAIMFLOW_AWS_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)

	list("CLAIMFLOW_EXTRACTION_PROVIDERS", &cfg.Extraction.Providers)
	str("CLAIMFLOW_TESSERACT_PATH", &cfg.Extraction.TesseractPath)
	str("CLAIMFLOW_TEXTRACT_ENDPOINT", &cfg.Extraction.TextractURL)
	str("CLAIMFLOW_VISION_API_KEY", &cfg.Extraction.VisionAPIKey)

	str("CLAIMFLOW_PAYMENT_ENDPOINT", &cfg.Payment.Endpoint)
	str("CLAIMFLOW_PAYMENT_API_KEY", &cfg.Payment.APIKey)
	str("CLAIMFLOW_WEBHOOK_URL", &cfg.Notification.WebhookURL)

	duration("CLAIMFLOW_STALE_AFTER", &cfg.Workflow.StaleAfter)
	duration("CLAIMFLOW_ESCALATE_AFTER", &cfg.Approval.EscalateAfter)

	boolean("CLAIMFLOW_AUTH_ENABLED", &cfg.Auth.Enabled)
	str("CLAIMFLOW_JWT_SECRET", &cfg.Auth.JWTSecret)

	str("CLAIMFLOW_LOG_LEVEL", &cfg.Logging.Level)
	str("CLAIMFLOW_LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := lookup("CLAIMFLOW_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	boolean("CLAIMFLOW_TRACING_ENABLED", &cfg.Tracing.Enabled)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints and joins every problem found.
func Validate(cfg *domain.Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidInput}, args...)...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		bad("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			bad("repository.sqlite_path is required")
		}
	case "postgres":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			bad("repository.postgres_host and postgres_db are required")
		}
	case "memory":
	default:
		bad("unsupported repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			bad("cache.redis_addr is required")
		}
	default:
		bad("unsupported cache type %q", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			bad("event_bus.nats_url is required")
		}
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			bad("event_bus.kafka_brokers is required")
		}
	default:
		bad("unsupported event bus type %q", cfg.EventBus.Type)
	}

	switch cfg.Storage.Driver {
	case "local", "":
	case "s3":
		if cfg.Storage.S3Bucket == "" {
			bad("storage.s3_bucket is required")
		}
	default:
		bad("unsupported storage driver %q", cfg.Storage.Driver)
	}

	for _, p := range cfg.Extraction.Providers {
		switch p {
		case "local", "aws-textract":
		case "google-vision":
			if cfg.Extraction.VisionAPIKey == "" {
				bad("extraction.vision_api_key is required for google-vision")
			}
		default:
			bad("unsupported extraction provider %q", p)
		}
	}

	if cfg.Workflow.ApprovedAmountCeiling <= 0 {
		bad("workflow.approved_amount_ceiling must be positive")
	}
	if cfg.Automation.AutoApproveThreshold < 0 {
		bad("automation.auto_approve_threshold must not be negative")
	}
	if cfg.Automation.DuplicateAmountTolerance < 0 || cfg.Automation.DuplicateAmountTolerance > 1 {
		bad("automation.duplicate_amount_tolerance must be within [0, 1]")
	}
	for t, days := range cfg.Automation.SLADays {
		if !t.Valid() || days <= 0 {
			bad("automation.sla_days[%s] = %d is invalid", t, days)
		}
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		bad("auth.jwt_secret is required when auth is enabled")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("unsupported log level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		bad("unsupported log format %q", cfg.Logging.Format)
	}

	return errors.Join(errs...)
}
