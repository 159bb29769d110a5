package lifecycle

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafguard/pkg/features"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
)

type memStore struct {
	rules map[string]*Rule
	// blockedBy maps a security event to the rule whose block created it
	blockedBy map[string]string
}

func newMemStore() *memStore {
	return &memStore{rules: make(map[string]*Rule), blockedBy: make(map[string]string)}
}

func (m *memStore) GetRule(_ context.Context, id string) (*Rule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) SaveRule(_ context.Context, rule *Rule) error {
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *memStore) RulesSupportedByEvent(_ context.Context, tenantID, eventID string) ([]*Rule, error) {
	var out []*Rule
	blocker := m.blockedBy[eventID]
	for _, r := range m.rules {
		if r.TenantID != tenantID {
			continue
		}
		if r.ID == blocker {
			cp := *r
			out = append(out, &cp)
			continue
		}
		for _, id := range r.SupportingEventIDs {
			if id == eventID {
				cp := *r
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) PatternKnown(_ context.Context, tenantID, pattern string) (bool, error) {
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.Pattern == pattern && r.Status != StatusRejected {
			return true, nil
		}
	}
	return false, nil
}

type fakeProjector struct {
	activations int
	retractions []string
	failNext    bool
}

func (p *fakeProjector) Activate(_ context.Context, rule *Rule) (string, error) {
	if p.failNext {
		p.failNext = false
		return "", fmt.Errorf("firewall unavailable")
	}
	p.activations++
	return fmt.Sprintf("fw-%d", p.activations), nil
}

func (p *fakeProjector) Retract(_ context.Context, firewallRuleID string) error {
	p.retractions = append(p.retractions, firewallRuleID)
	return nil
}

func newTestManager(cfg Config) (*Manager, *memStore, *fakeProjector) {
	st := newMemStore()
	pr := &fakeProjector{}
	log := structlog.New("test", structlog.LevelError, io.Discard)
	return NewManager(st, pr, cfg, log), st, pr
}

func suggestion(pattern string, confidence float64, eventIDs ...string) suggest.Suggestion {
	return suggest.Suggestion{
		Pattern:            pattern,
		Raw:                pattern,
		Category:           features.CategorySQLInjection,
		Confidence:         confidence,
		SupportingEventIDs: eventIDs,
		SupportCount:       len(eventIDs),
	}
}

func TestCreateFromSuggestionPending(t *testing.T) {
	m, st, pr := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.85, "e1", "e2"))
	require.NoError(t, err)
	require.NotNil(t, rule)

	assert.Equal(t, StatusPending, rule.Status)
	assert.Empty(t, rule.FirewallRuleID)
	assert.Equal(t, 0, pr.activations, "pending rules are not projected")

	stored, err := st.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.85, stored.Confidence)
}

func TestCreateFromSuggestionAutoApproves(t *testing.T) {
	m, _, pr := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.99, "e1"))
	require.NoError(t, err)
	require.NotNil(t, rule)

	assert.Equal(t, StatusAutoApproved, rule.Status)
	assert.NotEmpty(t, rule.FirewallRuleID)
	assert.Equal(t, "auto", rule.ReviewedBy)
	assert.Equal(t, 1, pr.activations)
}

func TestCreateFromSuggestionBelowAutoApproveStaysPending(t *testing.T) {
	m, _, _ := newTestManager(Config{AutoApproveThreshold: 0.98})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.979, "e1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rule.Status)
}

func TestCreateFromSuggestionSkipsDuplicates(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	first, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.85, "e1"))
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.9, "e2"))
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestApprove(t *testing.T) {
	m, _, pr := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.85, "e1"))
	require.NoError(t, err)

	approved, err := m.Approve(context.Background(), rule.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.ReviewedBy)
	assert.NotEmpty(t, approved.FirewallRuleID)

	// idempotent: a second approval changes nothing
	again, err := m.Approve(context.Background(), rule.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ReviewedBy)
	assert.Equal(t, 1, pr.activations)
}

func TestApproveRejectedRuleFails(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.85, "e1"))
	require.NoError(t, err)

	_, err = m.Reject(context.Background(), rule.ID, "alice", "too broad")
	require.NoError(t, err)

	_, err = m.Approve(context.Background(), rule.ID, "bob")
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestApproveMissingRule(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	_, err := m.Approve(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectApprovedRuleRetracts(t *testing.T) {
	m, _, pr := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.99, "e1"))
	require.NoError(t, err)
	require.Equal(t, StatusAutoApproved, rule.Status)

	rejected, err := m.Reject(context.Background(), rule.ID, "alice", "fp storm")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Empty(t, rejected.FirewallRuleID)
	require.Len(t, pr.retractions, 1)

	// idempotent
	_, err = m.Reject(context.Background(), rule.ID, "alice", "again")
	require.NoError(t, err)
	assert.Len(t, pr.retractions, 1)
}

func TestApplyContradictionLowersConfidence(t *testing.T) {
	m, st, _ := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.9, "e1", "e2", "e3", "e4"))
	require.NoError(t, err)

	touched, err := m.ApplyContradiction(context.Background(), "tenant-a", "e2")
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Less(t, touched[0].Confidence, 0.9)
	assert.Equal(t, 1, touched[0].ContradictingCount)

	// repeated contradictions keep pushing confidence down, never up
	prev := touched[0].Confidence
	for i := 0; i < 3; i++ {
		touched, err = m.ApplyContradiction(context.Background(), "tenant-a", "e2")
		require.NoError(t, err)
		require.Len(t, touched, 1)
		assert.LessOrEqual(t, touched[0].Confidence, prev)
		prev = touched[0].Confidence
	}

	stored, err := st.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, prev, stored.Confidence)
}

func TestApplyContradictionAutoRejectsActiveRule(t *testing.T) {
	m, st, pr := newTestManager(Config{MinRetainConfidence: 0.5})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.99, "e1", "e2"))
	require.NoError(t, err)
	require.Equal(t, StatusAutoApproved, rule.Status)

	// support 2: after 2 contradictions recomputed confidence is 0
	for i := 0; i < 2; i++ {
		_, err = m.ApplyContradiction(context.Background(), "tenant-a", "e1")
		require.NoError(t, err)
	}

	stored, err := st.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	assert.Equal(t, "feedback", stored.ReviewedBy)
	assert.Empty(t, stored.FirewallRuleID)
	assert.NotEmpty(t, pr.retractions)
}

func TestApplyContradictionDiscountsBlockingRule(t *testing.T) {
	// A false positive on an event created by a rule's own block must
	// discount that rule, even though the event is not in its supporting
	// set, and auto-reject it once confidence falls below the floor.
	m, st, pr := newTestManager(Config{MinRetainConfidence: 0.5})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.99, "e1", "e2"))
	require.NoError(t, err)
	require.Equal(t, StatusAutoApproved, rule.Status)

	st.blockedBy["blocked-ev"] = rule.ID

	touched, err := m.ApplyContradiction(context.Background(), "tenant-a", "blocked-ev")
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, rule.ID, touched[0].ID)
	assert.Less(t, touched[0].Confidence, 0.99)

	// support 2, 1 contradiction: (2-1)/3 < 0.5 retracts the rule
	stored, err := st.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, stored.Status)
	require.Len(t, pr.retractions, 1)
}

func TestApplyContradictionSkipsRejectedRules(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	rule, err := m.CreateFromSuggestion(context.Background(), "tenant-a",
		suggestion("union select", 0.85, "e1"))
	require.NoError(t, err)
	_, err = m.Reject(context.Background(), rule.ID, "alice", "no")
	require.NoError(t, err)

	touched, err := m.ApplyContradiction(context.Background(), "tenant-a", "e1")
	require.NoError(t, err)
	assert.Empty(t, touched)
}

func TestApplyContradictionUnknownEvent(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	touched, err := m.ApplyContradiction(context.Background(), "tenant-a", "ghost")
	require.NoError(t, err)
	assert.Empty(t, touched)
}
