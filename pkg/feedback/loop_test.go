package feedback

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafguard/pkg/features"
	"wafguard/pkg/lifecycle"
	"wafguard/pkg/structlog"
)

type memStore struct {
	events   map[string]string // eventID -> tenantID
	feedback map[string]*Feedback
	excluded []string
}

func newMemStore() *memStore {
	return &memStore{
		events:   make(map[string]string),
		feedback: make(map[string]*Feedback),
	}
}

func (m *memStore) EventExists(_ context.Context, tenantID, eventID string) (bool, error) {
	return m.events[eventID] == tenantID, nil
}

func (m *memStore) SaveFeedback(_ context.Context, fb *Feedback) error {
	cp := *fb
	m.feedback[fb.ID] = &cp
	return nil
}

func (m *memStore) GetFeedback(_ context.Context, id string) (*Feedback, error) {
	fb, ok := m.feedback[id]
	if !ok {
		return nil, fmt.Errorf("%w: feedback %s not found", ErrInvalidFeedback, id)
	}
	cp := *fb
	return &cp, nil
}

func (m *memStore) ExcludeFromTraining(_ context.Context, tenantID, eventID string) error {
	m.excluded = append(m.excluded, eventID)
	return nil
}

type memRuleStore struct {
	rules map[string]*lifecycle.Rule
}

func (m *memRuleStore) GetRule(_ context.Context, id string) (*lifecycle.Rule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return r, nil
}

func (m *memRuleStore) SaveRule(_ context.Context, rule *lifecycle.Rule) error {
	m.rules[rule.ID] = rule
	return nil
}

func (m *memRuleStore) RulesSupportedByEvent(_ context.Context, tenantID, eventID string) ([]*lifecycle.Rule, error) {
	var out []*lifecycle.Rule
	for _, r := range m.rules {
		for _, id := range r.SupportingEventIDs {
			if id == eventID && r.TenantID == tenantID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *memRuleStore) PatternKnown(_ context.Context, tenantID, pattern string) (bool, error) {
	return false, nil
}

type noopProjector struct{}

func (noopProjector) Activate(_ context.Context, _ *lifecycle.Rule) (string, error) {
	return "fw-1", nil
}
func (noopProjector) Retract(_ context.Context, _ string) error { return nil }

type fakeRetrainer struct{ scheduled []string }

func (f *fakeRetrainer) ScheduleRetrain(tenantID string) {
	f.scheduled = append(f.scheduled, tenantID)
}

func newTestLoop(retrainAfter int) (*Loop, *memStore, *memRuleStore, *fakeRetrainer) {
	st := newMemStore()
	rs := &memRuleStore{rules: make(map[string]*lifecycle.Rule)}
	log := structlog.New("test", structlog.LevelError, io.Discard)
	rules := lifecycle.NewManager(rs, noopProjector{}, lifecycle.Config{}, log)
	rt := &fakeRetrainer{}
	return NewLoop(st, rules, rt, retrainAfter, log), st, rs, rt
}

func TestSubmitRejectsUnknownEvent(t *testing.T) {
	loop, _, _, _ := newTestLoop(10)
	_, err := loop.Submit(context.Background(), "tenant-a", "ghost", true, "", "alice")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestSubmitRejectsWrongTenant(t *testing.T) {
	loop, st, _, _ := newTestLoop(10)
	st.events["ev-1"] = "tenant-b"
	_, err := loop.Submit(context.Background(), "tenant-a", "ev-1", true, "", "alice")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
	assert.Empty(t, st.feedback, "invalid feedback must not mutate state")
}

func TestSubmitRejectsEmptyReferences(t *testing.T) {
	loop, _, _, _ := newTestLoop(10)
	_, err := loop.Submit(context.Background(), "", "ev-1", true, "", "alice")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
	_, err = loop.Submit(context.Background(), "tenant-a", "", true, "", "alice")
	assert.ErrorIs(t, err, ErrInvalidFeedback)
}

func TestSubmitAndResolve(t *testing.T) {
	loop, st, _, _ := newTestLoop(10)
	st.events["ev-1"] = "tenant-a"

	fb, err := loop.Submit(context.Background(), "tenant-a", "ev-1", true, "login blocked", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.False(t, fb.Resolved)

	resolved, err := loop.Resolve(context.Background(), fb.ID, "rule_discounted")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "rule_discounted", resolved.ResolutionAction)
	assert.False(t, resolved.ResolvedAt.IsZero())
}

func TestResolveIsIdempotent(t *testing.T) {
	loop, st, _, _ := newTestLoop(10)
	st.events["ev-1"] = "tenant-a"

	fb, err := loop.Submit(context.Background(), "tenant-a", "ev-1", true, "", "alice")
	require.NoError(t, err)
	first, err := loop.Resolve(context.Background(), fb.ID, "first")
	require.NoError(t, err)

	second, err := loop.Resolve(context.Background(), fb.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", second.ResolutionAction)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)
	assert.Len(t, st.excluded, 1, "exclusion runs once")
}

func TestResolveFalsePositiveDiscountsRules(t *testing.T) {
	loop, st, rs, _ := newTestLoop(10)
	st.events["ev-1"] = "tenant-a"
	rs.rules["r1"] = &lifecycle.Rule{
		ID: "r1", TenantID: "tenant-a", Pattern: "union select",
		Category: features.CategorySQLInjection, Confidence: 0.9,
		SupportingEventIDs: []string{"ev-1", "ev-2", "ev-3"},
		Status:             lifecycle.StatusPending,
	}

	fb, err := loop.Submit(context.Background(), "tenant-a", "ev-1", true, "", "alice")
	require.NoError(t, err)
	_, err = loop.Resolve(context.Background(), fb.ID, "discounted")
	require.NoError(t, err)

	assert.Less(t, rs.rules["r1"].Confidence, 0.9)
	assert.Equal(t, 1, rs.rules["r1"].ContradictingCount)
	assert.Contains(t, st.excluded, "ev-1")
}

func TestResolveNonFalsePositiveLeavesRulesAlone(t *testing.T) {
	loop, st, rs, _ := newTestLoop(10)
	st.events["ev-1"] = "tenant-a"
	rs.rules["r1"] = &lifecycle.Rule{
		ID: "r1", TenantID: "tenant-a", Confidence: 0.9,
		SupportingEventIDs: []string{"ev-1"},
		Status:             lifecycle.StatusPending,
	}

	fb, err := loop.Submit(context.Background(), "tenant-a", "ev-1", false, "actually an attack", "alice")
	require.NoError(t, err)
	_, err = loop.Resolve(context.Background(), fb.ID, "confirmed_attack")
	require.NoError(t, err)

	assert.Equal(t, 0.9, rs.rules["r1"].Confidence)
	assert.Empty(t, st.excluded)
}

func TestRetrainScheduledAfterThreshold(t *testing.T) {
	loop, st, _, rt := newTestLoop(3)

	for i := 0; i < 3; i++ {
		eventID := fmt.Sprintf("ev-%d", i)
		st.events[eventID] = "tenant-a"
		fb, err := loop.Submit(context.Background(), "tenant-a", eventID, true, "", "alice")
		require.NoError(t, err)
		_, err = loop.Resolve(context.Background(), fb.ID, "discounted")
		require.NoError(t, err)
	}

	require.Len(t, rt.scheduled, 1)
	assert.Equal(t, "tenant-a", rt.scheduled[0])
}

func TestRetrainCounterResets(t *testing.T) {
	loop, st, _, rt := newTestLoop(2)

	confirm := func(id string) {
		st.events[id] = "tenant-a"
		fb, err := loop.Submit(context.Background(), "tenant-a", id, true, "", "alice")
		require.NoError(t, err)
		_, err = loop.Resolve(context.Background(), fb.ID, "discounted")
		require.NoError(t, err)
	}

	confirm("ev-1")
	confirm("ev-2")
	require.Len(t, rt.scheduled, 1)

	loop.ResetRetrainCounter("tenant-a")
	confirm("ev-3")
	assert.Len(t, rt.scheduled, 1, "one confirmation after reset stays below threshold")
	confirm("ev-4")
	assert.Len(t, rt.scheduled, 2)
}
