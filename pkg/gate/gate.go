// Package gate is the synchronous request-path decision engine. Each
// request flows Receive → Extract → Score → MatchRules → Verdict against an
// immutable snapshot of the tenant's active model, rule set, and
// thresholds. Snapshots are swapped wholesale, so a request always sees one
// fully consistent model/rule version. Internal faults degrade to
// rules-only evaluation; the gate never fails the request itself.
package gate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wafguard/pkg/anomaly"
	"wafguard/pkg/features"
	"wafguard/pkg/metrics"
	"wafguard/pkg/structlog"
)

// Verdict is the gate's output for one request.
type Verdict int

const (
	Allow Verdict = iota
	LogOnly
	Block
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case LogOnly:
		return "log_only"
	case Block:
		return "block"
	}
	return "unknown"
}

// Options is the per-tenant decision configuration. MLEnabled is the
// explicit capability input: when false the gate skips scoring entirely
// instead of consulting ambient state.
type Options struct {
	AnomalyThreshold float64
	WatchBandLower   float64
	MLEnabled        bool
}

// DefaultOptions returns the documented threshold defaults.
func DefaultOptions() Options {
	return Options{AnomalyThreshold: 0.7, WatchBandLower: 0.5, MLEnabled: true}
}

// Rule is a compiled deterministic rule. Matches are case-insensitive over
// the request line and body.
type Rule struct {
	ID       string
	Pattern  string
	Category features.Category
	Source   string // "adaptive" or "manual"
	re       *regexp.Regexp
}

// CompileRule validates and compiles a pattern into an active rule.
func CompileRule(id, pattern string, category features.Category, source string) (*Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile rule %s: %w", id, err)
	}
	return &Rule{ID: id, Pattern: pattern, Category: category, Source: source, re: re}, nil
}

func (r *Rule) matches(target string) bool {
	return r.re.MatchString(target)
}

// Decision is the verdict plus everything the audit trail needs.
type Decision struct {
	Verdict   Verdict
	Reason    string
	Score     float64
	Scored    bool
	RuleID    string
	Signature string
	Category  features.Category
}

// ScoreRecord is the append-only AnomalyScore audit fact emitted for every
// evaluated request.
type ScoreRecord struct {
	TenantID  string
	Signature string
	SourceIP  string
	Path      string
	Method    string
	Score     float64
	Scored    bool
	IsAnomaly bool
	Blocked   bool
	RuleID    string
	Vector    features.Vector
	Timestamp time.Time
}

// SecurityEvent is emitted on every Block verdict and becomes the input
// corpus for the rule suggestion engine.
type SecurityEvent struct {
	ID         string
	TenantID   string
	Signature  string
	Category   features.Category
	RequestURL string
	Payload    string
	SourceIP   string
	RuleID     string
	Score      float64
	Timestamp  time.Time
}

// Recorder receives the gate's audit facts. Implementations must be safe
// for concurrent use; failures are theirs to log, never the request's.
type Recorder interface {
	RecordScore(ctx context.Context, rec ScoreRecord)
	RecordSecurityEvent(ctx context.Context, ev SecurityEvent)
}

type snapshot struct {
	model *anomaly.Model
	rules []*Rule
	opts  Options
}

// Gate evaluates requests for one tenant.
type Gate struct {
	tenantID string
	snap     atomic.Pointer[snapshot]
	recorder Recorder
	log      *structlog.Logger

	// writeMu serializes snapshot writers; readers stay lock-free.
	writeMu sync.Mutex
}

func New(tenantID string, opts Options, recorder Recorder, log *structlog.Logger) *Gate {
	g := &Gate{tenantID: tenantID, recorder: recorder, log: log}
	g.snap.Store(&snapshot{opts: opts})
	return g
}

// PromoteModel atomically swaps in a new active model. In-flight requests
// finish against the previous snapshot.
func (g *Gate) PromoteModel(m *anomaly.Model) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	cur := g.snap.Load()
	g.snap.Store(&snapshot{model: m, rules: cur.rules, opts: cur.opts})
	if m != nil {
		metrics.ActiveModelVersion.WithLabelValues(g.tenantID).Set(float64(m.Version))
	}
}

// SetRules atomically replaces the active rule set. Approvals become
// visible to all subsequent requests immediately.
func (g *Gate) SetRules(rules []*Rule) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	cur := g.snap.Load()
	g.snap.Store(&snapshot{model: cur.model, rules: rules, opts: cur.opts})
}

// AddRule appends one rule to the active set; approvals become visible
// immediately without recompiling the rest.
func (g *Gate) AddRule(rule *Rule) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	cur := g.snap.Load()
	rules := make([]*Rule, 0, len(cur.rules)+1)
	rules = append(rules, cur.rules...)
	rules = append(rules, rule)
	g.snap.Store(&snapshot{model: cur.model, rules: rules, opts: cur.opts})
}

// RemoveRule drops the rule with the given id from the active set.
func (g *Gate) RemoveRule(ruleID string) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	cur := g.snap.Load()
	rules := make([]*Rule, 0, len(cur.rules))
	for _, r := range cur.rules {
		if r.ID != ruleID {
			rules = append(rules, r)
		}
	}
	g.snap.Store(&snapshot{model: cur.model, rules: rules, opts: cur.opts})
}

// SetOptions atomically replaces the threshold configuration.
func (g *Gate) SetOptions(opts Options) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	cur := g.snap.Load()
	g.snap.Store(&snapshot{model: cur.model, rules: cur.rules, opts: opts})
}

// HasActiveModel reports whether scoring is currently available.
func (g *Gate) HasActiveModel() bool {
	return g.snap.Load().model != nil
}

// Evaluate runs the full decision pipeline for one request.
func (g *Gate) Evaluate(ctx context.Context, req features.RawRequest) Decision {
	snap := g.snap.Load()
	fp := features.Extract(req)

	requestURL := req.Path
	if req.Query != "" {
		requestURL += "?" + req.Query
	}
	target := requestURL
	if len(req.Body) > 0 {
		target += "\n" + string(req.Body)
	}

	dec := Decision{Verdict: Allow, Signature: fp.Signature, Category: fp.Category}

	// Deterministic rules have precedence: they encode confirmed
	// knowledge, the score only encodes suspicion.
	for _, rule := range snap.rules {
		if rule.matches(target) {
			dec.Verdict = Block
			dec.RuleID = rule.ID
			dec.Reason = fmt.Sprintf("rule %s matched (%s)", rule.ID, rule.Category)
			metrics.RuleMatches.WithLabelValues(g.tenantID, string(rule.Category)).Inc()
			break
		}
	}

	if snap.opts.MLEnabled && snap.model != nil {
		score, err := snap.model.Score(fp.Vector)
		switch {
		case err == nil:
			dec.Score = score
			dec.Scored = true
			metrics.AnomalyScore.WithLabelValues(g.tenantID).Observe(score)
		case errors.Is(err, anomaly.ErrNoActiveModel):
			// rules-only degradation, low severity
			g.log.Debug("score unavailable", structlog.Fields{"tenant": g.tenantID})
		default:
			g.log.Error("scoring failed, degrading to rules-only", structlog.Fields{
				"tenant": g.tenantID, "error": err.Error(),
			})
		}
	}

	if dec.Verdict != Block && dec.Scored {
		switch {
		case dec.Score >= snap.opts.AnomalyThreshold:
			dec.Verdict = Block
			dec.Reason = fmt.Sprintf("anomaly score %.3f >= threshold %.2f", dec.Score, snap.opts.AnomalyThreshold)
		case dec.Score >= snap.opts.WatchBandLower:
			dec.Verdict = LogOnly
			dec.Reason = fmt.Sprintf("anomaly score %.3f in watch band", dec.Score)
		}
	}

	metrics.RequestsTotal.WithLabelValues(g.tenantID, dec.Verdict.String()).Inc()
	g.record(ctx, req, fp, requestURL, target, dec, snap)
	return dec
}

func (g *Gate) record(ctx context.Context, req features.RawRequest, fp features.Fingerprint, requestURL, target string, dec Decision, snap *snapshot) {
	if g.recorder == nil {
		return
	}
	now := time.Now().UTC()
	g.recorder.RecordScore(ctx, ScoreRecord{
		TenantID:  g.tenantID,
		Signature: fp.Signature,
		SourceIP:  req.ClientIP,
		Path:      req.Path,
		Method:    strings.ToUpper(req.Method),
		Score:     dec.Score,
		Scored:    dec.Scored,
		IsAnomaly: dec.Scored && dec.Score >= snap.opts.AnomalyThreshold,
		Blocked:   dec.Verdict == Block,
		RuleID:    dec.RuleID,
		Vector:    fp.Vector,
		Timestamp: now,
	})

	if dec.Verdict == Block {
		g.log.SecurityEvent("request blocked", structlog.Fields{
			"tenant": g.tenantID, "source_ip": req.ClientIP, "path": req.Path,
			"reason": dec.Reason, "category": string(fp.Category),
		})
		g.recorder.RecordSecurityEvent(ctx, SecurityEvent{
			TenantID:   g.tenantID,
			Signature:  fp.Signature,
			Category:   fp.Category,
			RequestURL: requestURL,
			Payload:    target,
			SourceIP:   req.ClientIP,
			RuleID:     dec.RuleID,
			Score:      dec.Score,
			Timestamp:  now,
		})
	}
}
