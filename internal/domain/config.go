package domain

import "time"

// Config holds the complete Claimflow configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier selects the default infrastructure set
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository   RepositoryConfig   `yaml:"repository"`
	Cache        CacheConfig        `yaml:"cache"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Storage      StorageConfig      `yaml:"storage"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	Payment      PaymentConfig      `yaml:"payment"`
	Notification NotificationConfig `yaml:"notification"`

	// Engine settings
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Fraud      FraudConfig      `yaml:"fraud"`
	Automation AutomationConfig `yaml:"automation"`

	Auth AuthConfig `yaml:"auth"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	MaxUploadMB  int    `yaml:"max_upload_mb"`
}

// StorageConfig selects the document file store.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // local, s3
	LocalDir string `yaml:"local_dir"`

	S3Bucket        string `yaml:"s3_bucket"`
	S3Region        string `yaml:"s3_region"`
	S3Prefix        string `yaml:"s3_prefix"`
	S3Endpoint      string `yaml:"s3_endpoint"` // LocalStack / MinIO override
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ExtractionConfig configures the provider chain.
type ExtractionConfig struct {
	// Providers in fallback order: local, aws-textract, google-vision
	Providers []string `yaml:"providers"`

	MaxAttempts    int           `yaml:"max_attempts"` // per provider
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxFileBytes   int64         `yaml:"max_file_bytes"`
	Workers        int           `yaml:"workers"` // concurrent documents

	// A provider with this many failures inside the window is tried last.
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`

	TesseractPath  string   `yaml:"tesseract_path"`
	Languages      []string `yaml:"languages"`
	TextractRegion string   `yaml:"textract_region"`
	TextractURL    string   `yaml:"textract_endpoint"`
	VisionAPIKey   string   `yaml:"vision_api_key"`
	VisionURL      string   `yaml:"vision_endpoint"`
}

// PaymentConfig configures the payment gateway client.
type PaymentConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	DefaultMethod PaymentMethod `yaml:"default_method"`
}

// NotificationConfig configures notification delivery.
type NotificationConfig struct {
	PublishToBus bool          `yaml:"publish_to_bus"`
	WebhookURL   string        `yaml:"webhook_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max"`
}

// WorkflowConfig configures the state machine.
type WorkflowConfig struct {
	// ApprovedAmountCeiling bounds approvedAmount as a multiple of estimatedAmount.
	ApprovedAmountCeiling float64       `yaml:"approved_amount_ceiling"`
	StaleAfter            time.Duration `yaml:"stale_after"`
	LockTimeout           time.Duration `yaml:"lock_timeout"`
	LockTTL               time.Duration `yaml:"lock_ttl"` // distributed lock lease
}

// ApprovalConfig configures approval routing.
type ApprovalConfig struct {
	EscalateAfter time.Duration `yaml:"escalate_after"` // time-in-level before escalation
}

// FraudConfig tunes the built-in fraud rules.
type FraudConfig struct {
	OutlierMultiplier     float64 `yaml:"outlier_multiplier"`      // vs. policy claim average
	OutlierAbsolute       float64 `yaml:"outlier_absolute"`        // used when no history exists
	EarlyFilingDays       int     `yaml:"early_filing_days"`       // after policy start
	MaxOpenClaims         int     `yaml:"max_open_claims"`         // other open claims of the customer that trigger the rule
	MinDocumentConfidence float64 `yaml:"min_document_confidence"` // below this a document is inconsistent
	MaxConcurrent         int     `yaml:"max_concurrent"`          // CEL rules in parallel
}

// AutomationConfig configures the automation rule engine.
type AutomationConfig struct {
	AutoApproveThreshold     float64                      `yaml:"auto_approve_threshold"`
	AutoCloseDays            int                          `yaml:"auto_close_days"`
	DuplicateWindowDays      int                          `yaml:"duplicate_window_days"`
	DuplicateAmountTolerance float64                      `yaml:"duplicate_amount_tolerance"` // fraction of amount
	SLADays                  map[ClaimType]int            `yaml:"sla_days"`
	RequiredDocuments        map[ClaimType][]DocumentKind `yaml:"required_documents"`
	DedupeTTL                time.Duration                `yaml:"dedupe_ttl"`
	SweepInterval            time.Duration                `yaml:"sweep_interval"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis, NATS and S3
	TierPro Tier = "pro"
)

// DefaultSLADays returns the per-type SLA in days.
func DefaultSLADays() map[ClaimType]int {
	return map[ClaimType]int{
		ClaimTypeAutoAccident:         30,
		ClaimTypePropertyDamage:       45,
		ClaimTypeHealth:               30,
		ClaimTypeLiability:            60,
		ClaimTypeTheft:                30,
		ClaimTypeTravel:               21,
		ClaimTypeLife:                 60,
		ClaimTypeBusinessInterruption: 90,
		ClaimTypeOther:                30,
	}
}

// DefaultRequiredDocuments returns the document kinds each claim type needs
// before it can be auto-approved.
func DefaultRequiredDocuments() map[ClaimType][]DocumentKind {
	return map[ClaimType][]DocumentKind{
		ClaimTypeAutoAccident:         {DocPoliceReport, DocInvoice},
		ClaimTypePropertyDamage:       {DocInvoice, DocInspectionReport},
		ClaimTypeHealth:               {DocMedicalReport, DocInvoice},
		ClaimTypeLiability:            {DocInvoice},
		ClaimTypeTheft:                {DocPoliceReport},
		ClaimTypeTravel:               {DocInvoice},
		ClaimTypeLife:                 {DocIdentity, DocMedicalReport},
		ClaimTypeBusinessInterruption: {DocInvoice},
		ClaimTypeOther:                {DocInvoice},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxUploadMB:  20,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./claimflow.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Storage: StorageConfig{
			Driver:   "local",
			LocalDir: "./data/documents",
		},
		Extraction: ExtractionConfig{
			Providers:        []string{"local"},
			MaxAttempts:      2,
			AttemptTimeout:   30 * time.Second,
			RetryBackoff:     500 * time.Millisecond,
			MaxFileBytes:     20 << 20,
			Workers:          4,
			FailureThreshold: 5,
			FailureWindow:    5 * time.Minute,
			TesseractPath:    "tesseract",
			Languages:        []string{"eng"},
		},
		Payment: PaymentConfig{
			Timeout:       15 * time.Second,
			RetryCount:    2,
			DefaultMethod: PaymentBankTransfer,
		},
		Notification: NotificationConfig{
			PublishToBus: true,
			Timeout:      10 * time.Second,
			RetryMax:     3,
		},
		Workflow: WorkflowConfig{
			ApprovedAmountCeiling: 1.0,
			StaleAfter:            30 * 24 * time.Hour,
			LockTimeout:           10 * time.Second,
			LockTTL:               30 * time.Second,
		},
		Approval: ApprovalConfig{
			EscalateAfter: 48 * time.Hour,
		},
		Fraud: FraudConfig{
			OutlierMultiplier:     3.0,
			OutlierAbsolute:       50000,
			EarlyFilingDays:       30,
			MaxOpenClaims:         2,
			MinDocumentConfidence: 0.6,
			MaxConcurrent:         8,
		},
		Automation: AutomationConfig{
			AutoApproveThreshold:     1000,
			AutoCloseDays:            90,
			DuplicateWindowDays:      7,
			DuplicateAmountTolerance: 0.1,
			SLADays:                  DefaultSLADays(),
			RequiredDocuments:        DefaultRequiredDocuments(),
			DedupeTTL:                24 * time.Hour,
			SweepInterval:            time.Hour,
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "claimflow",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "claimflow",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "claimflow",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Storage = StorageConfig{
		Driver:   "s3",
		S3Bucket: "claimflow-documents",
		S3Region: "us-east-1",
		S3Prefix: "claims/",
	}
	cfg.Extraction.Providers = []string{"aws-textract", "google-vision", "local"}
	cfg.Extraction.TextractRegion = "us-east-1"
	cfg.Auth.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
