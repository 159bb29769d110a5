package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wafguard/pkg/anomaly"
)

// NextModelVersion allocates the next monotonic version for a tenant.
func (s *Store) NextModelVersion(ctx context.Context, tenantID string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM ml_models WHERE tenant_id = $1`, tenantID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("query model version: %w", err)
	}
	return int(v.Int64) + 1, nil
}

// SaveAndPromote persists a trained model and atomically makes it the
// tenant's single active version. The previous active model stays
// retrievable for rollback.
func (s *Store) SaveAndPromote(ctx context.Context, m *anomaly.Model, anomalyRate float64) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_models SET is_active = FALSE WHERE tenant_id = $1 AND is_active`,
		m.TenantID); err != nil {
		return fmt.Errorf("deactivate previous model: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ml_models (tenant_id, version, payload, sample_count, anomaly_rate, is_active, trained_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6)`,
		m.TenantID, m.Version, payload, m.SampleCount, anomalyRate, m.TrainedAt); err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote tx: %w", err)
	}
	return nil
}

// ActiveModel loads and deserializes the tenant's active model.
// anomaly.ErrNoActiveModel when none has been promoted yet.
func (s *Store) ActiveModel(ctx context.Context, tenantID string) (*anomaly.Model, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM ml_models WHERE tenant_id = $1 AND is_active`,
		tenantID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, anomaly.ErrNoActiveModel
	}
	if err != nil {
		return nil, fmt.Errorf("query active model: %w", err)
	}
	return anomaly.UnmarshalModel(payload)
}

// ModelByVersion loads a specific historical version, for rollback.
func (s *Store) ModelByVersion(ctx context.Context, tenantID string, version int) (*anomaly.Model, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM ml_models WHERE tenant_id = $1 AND version = $2`,
		tenantID, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, anomaly.ErrNoActiveModel
	}
	if err != nil {
		return nil, fmt.Errorf("query model version: %w", err)
	}
	return anomaly.UnmarshalModel(payload)
}

// ModelInfo summarizes a stored model for the insights endpoint.
type ModelInfo struct {
	Version     int       `json:"version"`
	SampleCount int       `json:"sample_count"`
	AnomalyRate float64   `json:"anomaly_rate"`
	IsActive    bool      `json:"is_active"`
	TrainedAt   time.Time `json:"trained_at"`
}

// ListModels returns the tenant's model history, newest first.
func (s *Store) ListModels(ctx context.Context, tenantID string, limit int) ([]ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, sample_count, anomaly_rate, is_active, trained_at
		FROM ml_models WHERE tenant_id = $1
		ORDER BY version DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []ModelInfo
	for rows.Next() {
		var mi ModelInfo
		if err := rows.Scan(&mi.Version, &mi.SampleCount, &mi.AnomalyRate, &mi.IsActive, &mi.TrainedAt); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		out = append(out, mi)
	}
	return out, rows.Err()
}
