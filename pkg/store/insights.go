package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Insights aggregates a tenant's recent activity for the reporting
// endpoint.
type Insights struct {
	TenantID         string         `json:"tenant_id"`
	Window           string         `json:"window"`
	RequestsEvaluated int64         `json:"requests_evaluated"`
	RequestsBlocked  int64          `json:"requests_blocked"`
	RequestsWatched  int64          `json:"requests_watched"`
	AnomaliesInWindow int64         `json:"anomalies_in_window"`
	MeanAnomalyScore float64        `json:"mean_anomaly_score"`
	EventsByCategory map[string]int `json:"events_by_category"`
	RulesByStatus    map[string]int `json:"rules_by_status"`
	TotalFeedback    int64          `json:"total_feedback"`
	ResolvedFeedback int64          `json:"resolved_feedback"`
	PendingFeedback  int64          `json:"pending_feedback"`
	ActiveModel      *ModelInfo     `json:"active_model,omitempty"`
}

// TenantInsights computes the aggregate view over the given window.
func (s *Store) TenantInsights(ctx context.Context, tenantID string, window time.Duration) (*Insights, error) {
	since := time.Now().UTC().Add(-window)
	out := &Insights{
		TenantID:         tenantID,
		Window:           window.String(),
		EventsByCategory: make(map[string]int),
		RulesByStatus:    make(map[string]int),
	}

	var meanScore sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE blocked),
		       COUNT(*) FILTER (WHERE scored AND NOT blocked AND score >= 0.5),
		       COUNT(*) FILTER (WHERE is_anomaly),
		       AVG(score) FILTER (WHERE scored)
		FROM anomaly_scores
		WHERE tenant_id = $1 AND created_at >= $2`, tenantID, since).Scan(
		&out.RequestsEvaluated, &out.RequestsBlocked, &out.RequestsWatched,
		&out.AnomaliesInWindow, &meanScore)
	if err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	out.MeanAnomalyScore = meanScore.Float64

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM security_events
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY category`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan event aggregate: %w", err)
		}
		out.EventsByCategory[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ruleRows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM adaptive_rules
		WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("aggregate rules: %w", err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var status string
		var n int
		if err := ruleRows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan rule aggregate: %w", err)
		}
		out.RulesByStatus[status] = n
	}
	if err := ruleRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE resolved),
		       COUNT(*) FILTER (WHERE NOT resolved)
		FROM false_positive_feedback
		WHERE tenant_id = $1`, tenantID).Scan(
		&out.TotalFeedback, &out.ResolvedFeedback, &out.PendingFeedback); err != nil {
		return nil, fmt.Errorf("aggregate feedback: %w", err)
	}

	var mi ModelInfo
	err = s.db.QueryRowContext(ctx, `
		SELECT version, sample_count, anomaly_rate, is_active, trained_at
		FROM ml_models WHERE tenant_id = $1 AND is_active`, tenantID).Scan(
		&mi.Version, &mi.SampleCount, &mi.AnomalyRate, &mi.IsActive, &mi.TrainedAt)
	if err == nil {
		out.ActiveModel = &mi
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query active model info: %w", err)
	}

	return out, nil
}
