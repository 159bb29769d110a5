// Package lifecycle governs an adaptive rule's path from suggestion to
// active firewall rule: pending → {approved, rejected, auto_approved}.
// Terminal statuses are audit facts; a rejected rule is retained, never
// matched. Transitions are explicit functions callable from any boundary.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wafguard/pkg/features"
	"wafguard/pkg/metrics"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusAutoApproved Status = "auto_approved"
)

// active reports whether the status projects to a live firewall rule.
func (s Status) active() bool {
	return s == StatusApproved || s == StatusAutoApproved
}

var (
	ErrNotFound = errors.New("adaptive rule not found")
	// ErrTerminalState rejects transitions out of a terminal status that
	// are not the explicitly allowed ones.
	ErrTerminalState = errors.New("rule is in a terminal state")
)

// Rule is the adaptive-rule aggregate. Confidence is recomputed from the
// supporting/contradicting evidence counts, never decremented ad hoc.
type Rule struct {
	ID                 string
	TenantID           string
	Pattern            string
	Category           features.Category
	Confidence         float64
	SupportingEventIDs []string
	ContradictingCount int
	Status             Status
	ReviewedBy         string
	ReviewedAt         time.Time
	ReviewNotes        string
	FirewallRuleID     string
	CreatedAt          time.Time
}

// Store is the persistence surface the manager needs; pkg/store implements
// it on Postgres, tests implement it in memory.
type Store interface {
	GetRule(ctx context.Context, id string) (*Rule, error)
	SaveRule(ctx context.Context, rule *Rule) error
	// RulesSupportedByEvent returns the rules implicated by a security
	// event: those whose supporting evidence includes it, plus the rule
	// that produced the block the event records.
	RulesSupportedByEvent(ctx context.Context, tenantID, eventID string) ([]*Rule, error)
	PatternKnown(ctx context.Context, tenantID, pattern string) (bool, error)
}

// Projector materializes approved rules as external firewall rules and
// retracts them on rejection.
type Projector interface {
	Activate(ctx context.Context, rule *Rule) (firewallRuleID string, err error)
	Retract(ctx context.Context, firewallRuleID string) error
}

type Config struct {
	AutoApproveThreshold float64 // default 0.98
	MinRetainConfidence  float64 // default 0.5
}

func (c Config) withDefaults() Config {
	if c.AutoApproveThreshold <= 0 {
		c.AutoApproveThreshold = 0.98
	}
	if c.MinRetainConfidence <= 0 {
		c.MinRetainConfidence = 0.5
	}
	return c
}

type Manager struct {
	store     Store
	projector Projector
	cfg       Config
	log       *structlog.Logger
}

func NewManager(store Store, projector Projector, cfg Config, log *structlog.Logger) *Manager {
	return &Manager{store: store, projector: projector, cfg: cfg.withDefaults(), log: log}
}

// CreateFromSuggestion persists a suggestion as a pending rule,
// auto-approving it when its confidence clears the configured threshold.
// Duplicate patterns already pending or active are skipped (nil, nil).
func (m *Manager) CreateFromSuggestion(ctx context.Context, tenantID string, s suggest.Suggestion) (*Rule, error) {
	known, err := m.store.PatternKnown(ctx, tenantID, s.Pattern)
	if err != nil {
		return nil, fmt.Errorf("dedupe check: %w", err)
	}
	if known {
		return nil, nil
	}

	rule := &Rule{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		Pattern:            s.Pattern,
		Category:           s.Category,
		Confidence:         s.Confidence,
		SupportingEventIDs: s.SupportingEventIDs,
		Status:             StatusPending,
		CreatedAt:          time.Now().UTC(),
	}

	if s.Confidence >= m.cfg.AutoApproveThreshold {
		fwID, err := m.projector.Activate(ctx, rule)
		if err != nil {
			return nil, fmt.Errorf("auto-approve projection: %w", err)
		}
		rule.Status = StatusAutoApproved
		rule.FirewallRuleID = fwID
		rule.ReviewedBy = "auto"
		rule.ReviewedAt = time.Now().UTC()
		metrics.RuleTransitions.WithLabelValues(string(StatusPending), string(StatusAutoApproved)).Inc()
	}

	if err := m.store.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}
	metrics.RulesSuggested.WithLabelValues(tenantID, string(rule.Category)).Inc()
	return rule, nil
}

// Approve promotes a pending rule to an active firewall rule. Approving an
// already-approved rule is a no-op; approving a rejected rule is an error.
func (m *Manager) Approve(ctx context.Context, id, reviewer string) (*Rule, error) {
	rule, err := m.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Status.active() {
		return rule, nil
	}
	if rule.Status == StatusRejected {
		return nil, fmt.Errorf("%w: cannot approve rejected rule %s", ErrTerminalState, id)
	}

	fwID, err := m.projector.Activate(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("approve projection: %w", err)
	}
	rule.Status = StatusApproved
	rule.FirewallRuleID = fwID
	rule.ReviewedBy = reviewer
	rule.ReviewedAt = time.Now().UTC()
	if err := m.store.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}
	metrics.RuleTransitions.WithLabelValues(string(StatusPending), string(StatusApproved)).Inc()
	m.log.AuditLog("adaptive rule approved", structlog.Fields{
		"rule_id": id, "tenant": rule.TenantID, "reviewer": reviewer,
	})
	return rule, nil
}

// Reject marks a rule rejected. Rejecting an approved rule retracts its
// projected firewall rule first; rejecting twice is a no-op.
func (m *Manager) Reject(ctx context.Context, id, reviewer, notes string) (*Rule, error) {
	rule, err := m.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Status == StatusRejected {
		return rule, nil
	}

	from := rule.Status
	if rule.Status.active() && rule.FirewallRuleID != "" {
		if err := m.projector.Retract(ctx, rule.FirewallRuleID); err != nil {
			return nil, fmt.Errorf("retract firewall rule: %w", err)
		}
		rule.FirewallRuleID = ""
	}
	rule.Status = StatusRejected
	rule.ReviewedBy = reviewer
	rule.ReviewedAt = time.Now().UTC()
	rule.ReviewNotes = notes
	if err := m.store.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("save rule: %w", err)
	}
	metrics.RuleTransitions.WithLabelValues(string(from), string(StatusRejected)).Inc()
	m.log.AuditLog("adaptive rule rejected", structlog.Fields{
		"rule_id": id, "tenant": rule.TenantID, "reviewer": reviewer, "notes": notes,
	})
	return rule, nil
}

// ApplyContradiction records false-positive evidence against every rule
// supported by the given event and recomputes each rule's confidence as
// (supporting − contradicting) / total considered. Feedback never raises
// confidence. A rule dropping below the retain threshold while active is
// auto-rejected, retracting its firewall rule.
func (m *Manager) ApplyContradiction(ctx context.Context, tenantID, eventID string) ([]*Rule, error) {
	rules, err := m.store.RulesSupportedByEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("lookup rules for event %s: %w", eventID, err)
	}

	var touched []*Rule
	for _, rule := range rules {
		if rule.Status == StatusRejected {
			continue
		}
		rule.ContradictingCount++

		support := len(rule.SupportingEventIDs)
		total := support + rule.ContradictingCount
		recomputed := 0.0
		if total > 0 {
			recomputed = float64(support-rule.ContradictingCount) / float64(total)
		}
		if recomputed < 0 {
			recomputed = 0
		}
		if recomputed < rule.Confidence {
			rule.Confidence = recomputed
		} else {
			// evidence-based recompute may not exceed the current value:
			// feedback only ever discounts
			rule.Confidence = rule.Confidence * float64(support-rule.ContradictingCount) / float64(total)
			if rule.Confidence < 0 {
				rule.Confidence = 0
			}
		}

		if rule.Confidence < m.cfg.MinRetainConfidence && rule.Status.active() {
			if rule.FirewallRuleID != "" {
				if err := m.projector.Retract(ctx, rule.FirewallRuleID); err != nil {
					return nil, fmt.Errorf("retract firewall rule: %w", err)
				}
				rule.FirewallRuleID = ""
			}
			from := rule.Status
			rule.Status = StatusRejected
			rule.ReviewedBy = "feedback"
			rule.ReviewedAt = time.Now().UTC()
			rule.ReviewNotes = "confidence below retain threshold after false-positive feedback"
			metrics.RuleTransitions.WithLabelValues(string(from), string(StatusRejected)).Inc()
			m.log.SecurityEvent("adaptive rule auto-rejected", structlog.Fields{
				"rule_id": rule.ID, "tenant": tenantID, "confidence": rule.Confidence,
			})
		}

		if err := m.store.SaveRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("save rule: %w", err)
		}
		touched = append(touched, rule)
	}
	return touched, nil
}
