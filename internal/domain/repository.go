package domain

import (
	"context"
	"time"
)

// ClaimStore persists claims and their history.
type ClaimStore interface {
	// LoadClaim returns ErrNotFound for unknown or archived claims.
	LoadClaim(ctx context.Context, id string) (*Claim, error)

	// SaveClaim writes the claim, its flags, approvers and any history
	// entries not yet stored, atomically.
	SaveClaim(ctx context.Context, claim *Claim) error

	// AppendHistory stores one history entry and moves the claim to
	// change.To in the same unit of work.
	AppendHistory(ctx context.Context, claimID string, change StateChange) error

	ListClaimsByCustomer(ctx context.Context, customerID string) ([]*Claim, error)
	ListClaimsByPolicy(ctx context.Context, policyID string) ([]*Claim, error)

	// ListStaleClaims returns non-terminal claims last updated before cutoff.
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]*Claim, error)

	// ArchiveClaim hides the claim and everything it owns.
	ArchiveClaim(ctx context.Context, id string) error
}

// DocumentStore persists claim documents.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *ClaimDocument) error
	GetDocument(ctx context.Context, id string) (*ClaimDocument, error)
	ListDocuments(ctx context.Context, claimID string) ([]*ClaimDocument, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	SaveApprovalRequest(ctx context.Context, req *ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error)

	// LatestApprovalRequest returns the newest request for the claim or ErrNotFound.
	LatestApprovalRequest(ctx context.Context, claimID string) (*ApprovalRequest, error)

	// ListOpenApprovalRequests returns pending and escalated requests.
	ListOpenApprovalRequests(ctx context.Context) ([]*ApprovalRequest, error)
}

// AuditStore persists automation results.
type AuditStore interface {
	SaveAutomationResult(ctx context.Context, result *AutomationResult) error
	ListAutomationResults(ctx context.Context, claimID string) ([]*AutomationResult, error)
}

// RuleStore persists configurable fraud rules.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository is the full persistence collaborator.
type Repository interface {
	ClaimStore
	DocumentStore
	ApprovalStore
	AuditStore
	RuleStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
