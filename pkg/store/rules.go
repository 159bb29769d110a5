package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"wafguard/pkg/features"
	"wafguard/pkg/lifecycle"
)

const ruleColumns = `id, tenant_id, pattern, category, confidence,
	supporting_event_ids, contradicting_count, status,
	reviewed_by, reviewed_at, review_notes, firewall_rule_id, created_at`

func scanRule(row interface{ Scan(...any) error }) (*lifecycle.Rule, error) {
	var r lifecycle.Rule
	var cat, status string
	var supporting pq.StringArray
	var reviewedBy, notes, fwID sql.NullString
	var reviewedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TenantID, &r.Pattern, &cat, &r.Confidence,
		&supporting, &r.ContradictingCount, &status,
		&reviewedBy, &reviewedAt, &notes, &fwID, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Category = features.Category(cat)
	r.Status = lifecycle.Status(status)
	r.SupportingEventIDs = supporting
	r.ReviewedBy = reviewedBy.String
	r.ReviewedAt = reviewedAt.Time
	r.ReviewNotes = notes.String
	r.FirewallRuleID = fwID.String
	return &r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// GetRule loads one adaptive rule. lifecycle.ErrNotFound when absent.
func (s *Store) GetRule(ctx context.Context, id string) (*lifecycle.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM adaptive_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return r, nil
}

// SaveRule upserts the full rule row.
func (s *Store) SaveRule(ctx context.Context, r *lifecycle.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adaptive_rules
			(id, tenant_id, pattern, category, confidence, supporting_event_ids,
			 contradicting_count, status, reviewed_by, reviewed_at, review_notes,
			 firewall_rule_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			supporting_event_ids = EXCLUDED.supporting_event_ids,
			contradicting_count = EXCLUDED.contradicting_count,
			status = EXCLUDED.status,
			reviewed_by = EXCLUDED.reviewed_by,
			reviewed_at = EXCLUDED.reviewed_at,
			review_notes = EXCLUDED.review_notes,
			firewall_rule_id = EXCLUDED.firewall_rule_id`,
		r.ID, r.TenantID, r.Pattern, string(r.Category), r.Confidence,
		pq.Array(r.SupportingEventIDs), r.ContradictingCount, string(r.Status),
		nullStr(r.ReviewedBy), nullTime(r.ReviewedAt), nullStr(r.ReviewNotes),
		nullStr(r.FirewallRuleID), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}

// RulesSupportedByEvent finds every rule implicated by the given security
// event: rules whose supporting evidence includes it, and the rule that
// produced the block it records. An event created by a rule's own block is
// never in that rule's supporting set, so the second arm is what lets
// false-positive feedback discount the blocking rule itself.
func (s *Store) RulesSupportedByEvent(ctx context.Context, tenantID, eventID string) ([]*lifecycle.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM adaptive_rules
		 WHERE tenant_id = $1
		   AND (supporting_event_ids @> ARRAY[$2]::text[]
		        OR id = (SELECT rule_id FROM security_events
		                 WHERE id = $2 AND tenant_id = $1))`,
		tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("query rules by event: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PatternKnown reports whether an identical pattern is already pending or
// active for the tenant; rejected patterns may be re-suggested.
func (s *Store) PatternKnown(ctx context.Context, tenantID, pattern string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM adaptive_rules
		WHERE tenant_id = $1 AND pattern = $2 AND status <> 'rejected'
		LIMIT 1`, tenantID, pattern).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pattern lookup: %w", err)
	}
	return true, nil
}

// ListActiveRules returns the tenant's approved and auto-approved rules,
// the set the gate compiles into its snapshot.
func (s *Store) ListActiveRules(ctx context.Context, tenantID string) ([]*lifecycle.Rule, error) {
	return s.listRules(ctx, tenantID, true)
}

// ListRules returns all of a tenant's rules regardless of status.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]*lifecycle.Rule, error) {
	return s.listRules(ctx, tenantID, false)
}

func (s *Store) listRules(ctx context.Context, tenantID string, activeOnly bool) ([]*lifecycle.Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM adaptive_rules WHERE tenant_id = $1`
	if activeOnly {
		q += ` AND status IN ('approved','auto_approved')`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []*lifecycle.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
