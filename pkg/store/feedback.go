package store

import (
	"context"
	"database/sql"
	"fmt"

	"wafguard/pkg/feedback"
)

// SaveFeedback upserts a feedback record.
func (s *Store) SaveFeedback(ctx context.Context, fb *feedback.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO false_positive_feedback
			(id, tenant_id, event_id, is_false_positive, comment, reported_by,
			 resolved, resolution_action, resolved_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			resolution_action = EXCLUDED.resolution_action,
			resolved_at = EXCLUDED.resolved_at`,
		fb.ID, fb.TenantID, fb.EventID, fb.IsFalsePositive,
		nullStr(fb.Comment), nullStr(fb.ReportedBy),
		fb.Resolved, nullStr(fb.ResolutionAction), nullTime(fb.ResolvedAt),
		fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// GetFeedback loads one feedback record by id.
func (s *Store) GetFeedback(ctx context.Context, id string) (*feedback.Feedback, error) {
	var fb feedback.Feedback
	var comment, reportedBy, action sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_id, is_false_positive, comment, reported_by,
		       resolved, resolution_action, resolved_at, created_at
		FROM false_positive_feedback WHERE id = $1`, id).Scan(
		&fb.ID, &fb.TenantID, &fb.EventID, &fb.IsFalsePositive,
		&comment, &reportedBy, &fb.Resolved, &action, &resolvedAt, &fb.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: feedback %s not found", feedback.ErrInvalidFeedback, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	fb.Comment = comment.String
	fb.ReportedBy = reportedBy.String
	fb.ResolutionAction = action.String
	fb.ResolvedAt = resolvedAt.Time
	return &fb, nil
}
