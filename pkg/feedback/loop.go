// Package feedback ingests operator assertions that a blocked request was
// legitimate, discounts the rules that produced the block, excludes the
// sample from future training, and schedules retraining once enough
// corrections accumulate.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wafguard/pkg/lifecycle"
	"wafguard/pkg/metrics"
	"wafguard/pkg/structlog"
)

// ErrInvalidFeedback rejects feedback referencing a nonexistent security
// event or tenant at the boundary, before any state mutation.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Feedback is one false-positive report. Resolution is terminal.
type Feedback struct {
	ID               string
	TenantID         string
	EventID          string
	IsFalsePositive  bool
	Comment          string
	ReportedBy       string
	Resolved         bool
	ResolutionAction string
	ResolvedAt       time.Time
	CreatedAt        time.Time
}

// Store is the persistence surface for feedback records and the training
// exclusion flag on anomaly scores.
type Store interface {
	EventExists(ctx context.Context, tenantID, eventID string) (bool, error)
	SaveFeedback(ctx context.Context, fb *Feedback) error
	GetFeedback(ctx context.Context, id string) (*Feedback, error)
	ExcludeFromTraining(ctx context.Context, tenantID, eventID string) error
}

// Retrainer is notified when a tenant has accumulated enough confirmed
// false positives to warrant a new training run.
type Retrainer interface {
	ScheduleRetrain(tenantID string)
}

type Loop struct {
	store   Store
	rules   *lifecycle.Manager
	retrain Retrainer
	log     *structlog.Logger

	// retrainAfter confirmed false positives per tenant trigger scheduling
	retrainAfter int

	mu     sync.Mutex
	counts map[string]int
}

func NewLoop(store Store, rules *lifecycle.Manager, retrain Retrainer, retrainAfter int, log *structlog.Logger) *Loop {
	if retrainAfter <= 0 {
		retrainAfter = 10
	}
	return &Loop{
		store:        store,
		rules:        rules,
		retrain:      retrain,
		log:          log,
		retrainAfter: retrainAfter,
		counts:       make(map[string]int),
	}
}

// Submit validates and records a feedback report. The referenced security
// event must exist for the tenant; otherwise nothing is written.
func (l *Loop) Submit(ctx context.Context, tenantID, eventID string, isFalsePositive bool, comment, reportedBy string) (*Feedback, error) {
	if tenantID == "" || eventID == "" {
		return nil, fmt.Errorf("%w: tenant and event references are required", ErrInvalidFeedback)
	}
	exists, err := l.store.EventExists(ctx, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("event lookup: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: security event %s not found for tenant %s", ErrInvalidFeedback, eventID, tenantID)
	}

	fb := &Feedback{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		EventID:         eventID,
		IsFalsePositive: isFalsePositive,
		Comment:         comment,
		ReportedBy:      reportedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := l.store.SaveFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	metrics.FeedbackTotal.WithLabelValues(tenantID, "submitted").Inc()
	return fb, nil
}

// Resolve terminally closes a feedback record. Resolving twice is a no-op.
// A confirmed false positive discounts every rule the event supported,
// flags the sample out of the next training batch, and schedules model
// retraining after retrainAfter confirmations.
func (l *Loop) Resolve(ctx context.Context, id, action string) (*Feedback, error) {
	fb, err := l.store.GetFeedback(ctx, id)
	if err != nil {
		return nil, err
	}
	if fb.Resolved {
		return fb, nil
	}

	if fb.IsFalsePositive {
		if _, err := l.rules.ApplyContradiction(ctx, fb.TenantID, fb.EventID); err != nil {
			return nil, fmt.Errorf("apply contradiction: %w", err)
		}
		if err := l.store.ExcludeFromTraining(ctx, fb.TenantID, fb.EventID); err != nil {
			return nil, fmt.Errorf("exclude from training: %w", err)
		}
		l.bumpRetrainCounter(fb.TenantID)
	}

	fb.Resolved = true
	fb.ResolutionAction = action
	fb.ResolvedAt = time.Now().UTC()
	if err := l.store.SaveFeedback(ctx, fb); err != nil {
		return nil, fmt.Errorf("save feedback: %w", err)
	}
	metrics.FeedbackTotal.WithLabelValues(fb.TenantID, "resolved").Inc()
	l.log.AuditLog("feedback resolved", structlog.Fields{
		"feedback_id": id, "tenant": fb.TenantID, "false_positive": fb.IsFalsePositive,
	})
	return fb, nil
}

func (l *Loop) bumpRetrainCounter(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[tenantID]++
	if l.counts[tenantID] >= l.retrainAfter {
		l.counts[tenantID] = 0
		if l.retrain != nil {
			l.retrain.ScheduleRetrain(tenantID)
		}
	}
}

// ResetRetrainCounter clears a tenant's accumulated feedback count; the
// trainer calls it after a successful run so only feedback since the last
// training counts toward the next trigger.
func (l *Loop) ResetRetrainCounter(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[tenantID] = 0
}
