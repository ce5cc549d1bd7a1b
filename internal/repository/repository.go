// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveScheme upserts a scheme and archives its rule tree version.
func (r *SQLRepository) SaveScheme(ctx context.Context, tenantID string, scheme *domain.Scheme) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	ruleTree, err := json.Marshal(scheme.RuleTree)
	if err != nil {
		return fmt.Errorf("failed to encode rule tree: %w", err)
	}

	query := `
		INSERT INTO schemes (
			id, tenant_id, code, name, description, status, version,
			max_beneficiaries, current_beneficiaries, rule_tree,
			offer_ttl_hours, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			version = excluded.version,
			max_beneficiaries = excluded.max_beneficiaries,
			rule_tree = excluded.rule_tree,
			offer_ttl_hours = excluded.offer_ttl_hours,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		scheme.ID, tenantID, scheme.Code, scheme.Name, scheme.Description,
		string(scheme.Status), scheme.Version,
		scheme.MaxBeneficiaries, scheme.CurrentBeneficiaries, string(ruleTree),
		scheme.OfferTTLHours, scheme.CreatedAt, scheme.UpdatedAt,
	)
	if err != nil {
		return err
	}

	versionQuery := `
		INSERT INTO scheme_versions (scheme_id, tenant_id, version, rule_tree, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scheme_id, tenant_id, version) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, r.rebind(versionQuery),
		scheme.ID, tenantID, scheme.Version, string(ruleTree), scheme.UpdatedAt,
	)
	return err
}

const schemeColumns = `
	id, tenant_id, code, name, description, status, version,
	max_beneficiaries, current_beneficiaries, rule_tree,
	offer_ttl_hours, created_at, updated_at
`

func scanScheme(row interface{ Scan(...any) error }) (*domain.Scheme, error) {
	var s domain.Scheme
	var description sql.NullString
	var ruleTree sql.NullString

	err := row.Scan(
		&s.ID, &s.TenantID, &s.Code, &s.Name, &description, (*string)(&s.Status), &s.Version,
		&s.MaxBeneficiaries, &s.CurrentBeneficiaries, &ruleTree,
		&s.OfferTTLHours, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Description = description.String
	if ruleTree.Valid && ruleTree.String != "" && ruleTree.String != "null" {
		if err := json.Unmarshal([]byte(ruleTree.String), &s.RuleTree); err != nil {
			return nil, fmt.Errorf("failed to decode rule tree: %w", err)
		}
	}
	return &s, nil
}

// GetScheme retrieves the current state of a scheme.
func (r *SQLRepository) GetScheme(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + schemeColumns + ` FROM schemes WHERE tenant_id = ? AND id = ?`
	return scanScheme(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, schemeID))
}

// GetSchemeVersion retrieves a scheme with the rule tree of a past version.
func (r *SQLRepository) GetSchemeVersion(ctx context.Context, tenantID string, schemeID string, version int) (*domain.Scheme, error) {
	scheme, err := r.GetScheme(ctx, tenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if scheme.Version == version {
		return scheme, nil
	}

	query := `SELECT rule_tree FROM scheme_versions WHERE tenant_id = ? AND scheme_id = ? AND version = ?`
	var ruleTree sql.NullString
	err = r.db.QueryRowContext(ctx, r.rebind(query), tenantID, schemeID, version).Scan(&ruleTree)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	scheme.Version = version
	scheme.RuleTree = nil
	if ruleTree.Valid && ruleTree.String != "" && ruleTree.String != "null" {
		if err := json.Unmarshal([]byte(ruleTree.String), &scheme.RuleTree); err != nil {
			return nil, fmt.Errorf("failed to decode rule tree: %w", err)
		}
	}
	return scheme, nil
}

// ListSchemes retrieves all schemes for a tenant.
func (r *SQLRepository) ListSchemes(ctx context.Context, tenantID string) ([]*domain.Scheme, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT ` + schemeColumns + ` FROM schemes WHERE tenant_id = ? ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemes []*domain.Scheme
	for rows.Next() {
		s, err := scanScheme(rows)
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, s)
	}
	return schemes, rows.Err()
}

// UpdateSchemeStatus transitions a scheme's lifecycle state.
func (r *SQLRepository) UpdateSchemeStatus(ctx context.Context, tenantID string, schemeID string, status domain.SchemeStatus) error {
	query := `UPDATE schemes SET status = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), time.Now().UTC(), tenantID, schemeID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetMaxBeneficiaries changes a scheme's beneficiary cap.
func (r *SQLRepository) SetMaxBeneficiaries(ctx context.Context, tenantID string, schemeID string, max int) error {
	query := `UPDATE schemes SET max_beneficiaries = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), max, time.Now().UTC(), tenantID, schemeID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// TryAdmitBeneficiary atomically increments current_beneficiaries iff
// capacity remains. The guarded UPDATE is the serialization point keeping
// current_beneficiaries <= max_beneficiaries under concurrent approvals.
func (r *SQLRepository) TryAdmitBeneficiary(ctx context.Context, tenantID string, schemeID string) (bool, error) {
	query := `
		UPDATE schemes
		SET current_beneficiaries = current_beneficiaries + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND current_beneficiaries < max_beneficiaries
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, schemeID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseBeneficiary decrements current_beneficiaries, flooring at zero.
func (r *SQLRepository) ReleaseBeneficiary(ctx context.Context, tenantID string, schemeID string) error {
	query := `
		UPDATE schemes
		SET current_beneficiaries = current_beneficiaries - 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND current_beneficiaries > 0
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, schemeID)
	return err
}

// SaveRiskProfile upserts the tenant's risk factor configuration.
func (r *SQLRepository) SaveRiskProfile(ctx context.Context, tenantID string, profile *domain.RiskProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	factors, err := json.Marshal(profile.Factors)
	if err != nil {
		return err
	}
	thresholds, err := json.Marshal(profile.Thresholds)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO risk_profiles (tenant_id, factors, thresholds, missing_score, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			factors = excluded.factors,
			thresholds = excluded.thresholds,
			missing_score = excluded.missing_score,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, string(factors), string(thresholds), profile.MissingScore, profile.UpdatedAt,
	)
	return err
}

// GetRiskProfile retrieves the tenant's risk factor configuration.
func (r *SQLRepository) GetRiskProfile(ctx context.Context, tenantID string) (*domain.RiskProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT tenant_id, factors, thresholds, missing_score, updated_at FROM risk_profiles WHERE tenant_id = ?`

	var p domain.RiskProfile
	var factors, thresholds string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(
		&p.TenantID, &factors, &thresholds, &p.MissingScore, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(factors), &p.Factors); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(thresholds), &p.Thresholds); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveDerivedFeatures upserts the tenant's derived-feature expressions.
func (r *SQLRepository) SaveDerivedFeatures(ctx context.Context, tenantID string, features []domain.DerivedFeature) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(features)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO derived_features (tenant_id, features, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			features = excluded.features,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), tenantID, string(payload), time.Now().UTC())
	return err
}

// ListDerivedFeatures retrieves the tenant's derived-feature expressions.
func (r *SQLRepository) ListDerivedFeatures(ctx context.Context, tenantID string) ([]domain.DerivedFeature, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	query := `SELECT features FROM derived_features WHERE tenant_id = ?`
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var features []domain.DerivedFeature
	if err := json.Unmarshal([]byte(payload), &features); err != nil {
		return nil, err
	}
	return features, nil
}

// Ping checks database health.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// requireRow maps a zero-row update to ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
