// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = &domain.Error{Kind: domain.KindNotFound, Message: "record not found"}
	ErrInvalidInput = &domain.Error{Kind: domain.KindValidation, Message: "invalid input"}
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveArtifact stores every unit of an artifact in one transaction.
func (r *SQLRepository) SaveArtifact(ctx context.Context, artifact *domain.ModelArtifact) error {
	if err := artifact.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.rebind(`
		INSERT INTO model_artifacts (version, unit, payload, created_at)
		VALUES (?, ?, ?, ?)
	`)
	for _, unit := range domain.ArtifactUnits {
		if _, err := tx.ExecContext(ctx, query, artifact.Version, unit, artifact.Units[unit], createdAt); err != nil {
			return fmt.Errorf("save unit %q: %w", unit, err)
		}
	}

	return tx.Commit()
}

// LoadArtifact retrieves every unit of one version.
func (r *SQLRepository) LoadArtifact(ctx context.Context, version string) (*domain.ModelArtifact, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}

	query := `
		SELECT unit, payload, created_at
		FROM model_artifacts
		WHERE version = ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifact := &domain.ModelArtifact{
		Version: version,
		Units:   make(map[string][]byte, len(domain.ArtifactUnits)),
	}
	for rows.Next() {
		var unit string
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&unit, &payload, &createdAt); err != nil {
			return nil, err
		}
		artifact.Units[unit] = payload
		artifact.CreatedAt = createdAt
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(artifact.Units) == 0 {
		return nil, ErrNotFound
	}
	for _, unit := range domain.ArtifactUnits {
		if _, ok := artifact.Units[unit]; !ok {
			return nil, fmt.Errorf("%w: artifact %s is missing unit %q", ErrInvalidInput, version, unit)
		}
	}

	return artifact, nil
}

// LatestArtifact retrieves the most recently saved complete artifact.
func (r *SQLRepository) LatestArtifact(ctx context.Context) (*domain.ModelArtifact, error) {
	query := `
		SELECT version
		FROM model_artifacts
		GROUP BY version
		HAVING COUNT(DISTINCT unit) = ?
		ORDER BY MAX(created_at) DESC, version DESC
		LIMIT 1
	`

	var version string
	err := r.db.QueryRowContext(ctx, r.rebind(query), len(domain.ArtifactUnits)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return r.LoadArtifact(ctx, version)
}

// SavePrediction stores a fused verdict.
func (r *SQLRepository) SavePrediction(ctx context.Context, p *domain.Prediction) error {
	if p.ID == "" {
		return fmt.Errorf("%w: prediction id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO predictions (
			id, transaction_id, model_version, final_prediction,
			risk_level, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.TransactionID, p.ModelVersion,
		boolToInt(p.FinalPrediction), string(p.RiskLevel),
		string(payload), p.CreatedAt,
	)
	return err
}

// GetPrediction retrieves a verdict by ID.
func (r *SQLRepository) GetPrediction(ctx context.Context, id string) (*domain.Prediction, error) {
	query := `
		SELECT payload
		FROM predictions
		WHERE id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p domain.Prediction
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode prediction %s: %w", id, err)
	}
	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
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
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
