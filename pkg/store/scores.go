package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"wafguard/pkg/features"
	"wafguard/pkg/gate"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
)

// RecordScore appends one AnomalyScore audit fact. Persistence failures
// are logged and swallowed: the request path never fails on the audit
// trail.
func (s *Store) RecordScore(ctx context.Context, rec gate.ScoreRecord) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_scores
			(tenant_id, signature, source_ip, method, path, score, scored,
			 is_anomaly, blocked, rule_id, feature_vector, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)`,
		rec.TenantID, rec.Signature, rec.SourceIP, rec.Method, rec.Path,
		rec.Score, rec.Scored, rec.IsAnomaly, rec.Blocked, rec.RuleID,
		pq.Array([]float64(rec.Vector)), rec.Timestamp)
	if err != nil {
		s.log.Error("record score failed", structlog.Fields{
			"tenant": rec.TenantID, "error": err.Error(),
		})
	}
}

// RecordSecurityEvent appends one blocked-request event to the corpus the
// suggestion engine mines.
func (s *Store) RecordSecurityEvent(ctx context.Context, ev gate.SecurityEvent) {
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events
			(id, tenant_id, signature, category, request_url, payload,
			 source_ip, rule_id, score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10)`,
		id, ev.TenantID, ev.Signature, string(ev.Category), ev.RequestURL,
		ev.Payload, ev.SourceIP, ev.RuleID, ev.Score, ev.Timestamp)
	if err != nil {
		s.log.Error("record security event failed", structlog.Fields{
			"tenant": ev.TenantID, "error": err.Error(),
		})
	}
}

// ListNormalVectors returns feature vectors suitable for training: recent
// traffic that was neither blocked nor excluded by confirmed
// false-positive feedback.
func (s *Store) ListNormalVectors(ctx context.Context, tenantID string, since time.Time, limit int) ([]features.Vector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_vector
		FROM anomaly_scores
		WHERE tenant_id = $1
		  AND created_at >= $2
		  AND NOT blocked
		  AND NOT excluded_from_training
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query training vectors: %w", err)
	}
	defer rows.Close()

	var out []features.Vector
	for rows.Next() {
		var vec pq.Float64Array
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan training vector: %w", err)
		}
		out = append(out, features.Vector(vec))
	}
	return out, rows.Err()
}

// ExcludeFromTraining flags every score row sharing the security event's
// signature, blocked or not. The label for that request shape is disputed
// once a human calls the block a false positive, so none of its rows feed
// the next training batch.
func (s *Store) ExcludeFromTraining(ctx context.Context, tenantID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE anomaly_scores
		SET excluded_from_training = TRUE
		WHERE tenant_id = $1
		  AND signature = (SELECT signature FROM security_events WHERE id = $2 AND tenant_id = $1)`,
		tenantID, eventID)
	if err != nil {
		return fmt.Errorf("exclude scores from training: %w", err)
	}
	return nil
}

// EventExists reports whether a security event belongs to the tenant.
func (s *Store) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM security_events WHERE id = $1 AND tenant_id = $2`,
		eventID, tenantID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("event lookup: %w", err)
	}
	return true, nil
}

// ListBlockedEvents returns the tenant's recent anomaly-driven security
// events for the suggestion engine. Events produced by an adaptive rule's
// own block are excluded: mining them would let a rule manufacture support
// for itself.
func (s *Store) ListBlockedEvents(ctx context.Context, tenantID string, since time.Time, limit int) ([]suggest.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, signature, category, request_url, payload, created_at
		FROM security_events
		WHERE tenant_id = $1 AND created_at >= $2 AND rule_id IS NULL
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var out []suggest.Event
	for rows.Next() {
		var ev suggest.Event
		var cat string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Signature, &cat, &ev.RequestURL, &ev.Payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		ev.Category = features.Category(cat)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListBenignURLs samples recent allowed request lines; the suggestion
// engine uses them as contradicting evidence against broad patterns.
func (s *Store) ListBenignURLs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path
		FROM anomaly_scores
		WHERE tenant_id = $1 AND created_at >= $2 AND NOT blocked AND NOT is_anomaly
		ORDER BY created_at DESC
		LIMIT $3`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query benign urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan benign url: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
