// Package domain defines the core types and interfaces of the eligibility
// assessment engine.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Scheme operations
	SaveScheme(ctx context.Context, tenantID string, scheme *Scheme) error
	GetScheme(ctx context.Context, tenantID string, schemeID string) (*Scheme, error)
	GetSchemeVersion(ctx context.Context, tenantID string, schemeID string, version int) (*Scheme, error)
	ListSchemes(ctx context.Context, tenantID string) ([]*Scheme, error)
	UpdateSchemeStatus(ctx context.Context, tenantID string, schemeID string, status SchemeStatus) error
	SetMaxBeneficiaries(ctx context.Context, tenantID string, schemeID string, max int) error

	// TryAdmitBeneficiary atomically increments current_beneficiaries iff
	// capacity remains. Returns false when the scheme is full.
	TryAdmitBeneficiary(ctx context.Context, tenantID string, schemeID string) (bool, error)

	// ReleaseBeneficiary decrements current_beneficiaries, flooring at zero.
	ReleaseBeneficiary(ctx context.Context, tenantID string, schemeID string) error

	// Risk profile operations
	SaveRiskProfile(ctx context.Context, tenantID string, profile *RiskProfile) error
	GetRiskProfile(ctx context.Context, tenantID string) (*RiskProfile, error)

	// Derived feature configuration
	SaveDerivedFeatures(ctx context.Context, tenantID string, features []DerivedFeature) error
	ListDerivedFeatures(ctx context.Context, tenantID string) ([]DerivedFeature, error)

	// Assessment operations
	SaveAssessment(ctx context.Context, tenantID string, a *Assessment) error
	UpdateAssessment(ctx context.Context, tenantID string, a *Assessment) error
	GetAssessment(ctx context.Context, tenantID string, assessmentID string) (*Assessment, error)
	GetActiveAssessment(ctx context.Context, tenantID string, farmerID string, schemeID string) (*Assessment, error)
	ListAssessmentsByFarmer(ctx context.Context, tenantID string, farmerID string) ([]*Assessment, error)
	MarkSuperseded(ctx context.Context, tenantID string, oldID string, newID string) error

	// Waitlist operations
	SaveWaitlistEntry(ctx context.Context, tenantID string, entry *WaitlistEntry) error
	UpdateWaitlistEntry(ctx context.Context, tenantID string, entry *WaitlistEntry) error
	GetWaitlistEntryByAssessment(ctx context.Context, tenantID string, assessmentID string) (*WaitlistEntry, error)
	ListWaitlist(ctx context.Context, tenantID string, schemeID string) ([]*WaitlistEntry, error)
	MaxWaitlistPosition(ctx context.Context, tenantID string, schemeID string) (int, error)
	NextWaitingEntry(ctx context.Context, tenantID string, schemeID string) (*WaitlistEntry, error)
	ListExpiredOffers(ctx context.Context, tenantID string, now time.Time) ([]*WaitlistEntry, error)

	// CompactWaitlist shifts every open entry positioned after the given
	// position down by one, keeping positions dense.
	CompactWaitlist(ctx context.Context, tenantID string, schemeID string, afterPosition int) error

	// Audit trail
	SaveAuditEvent(ctx context.Context, tenantID string, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, assessmentID string) ([]*AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
