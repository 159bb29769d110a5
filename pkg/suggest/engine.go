// Package suggest mines a tenant's blocked-request history for recurring
// payload patterns and proposes deterministic rules with a confidence
// score. It runs out-of-band; the request path never waits on it.
package suggest

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"wafguard/pkg/features"
)

// Event is one blocked/attack security event from the audit trail.
type Event struct {
	ID         string
	TenantID   string
	Signature  string
	Category   features.Category
	RequestURL string
	Payload    string
	RuleID     string // set when an adaptive rule produced the block
	Timestamp  time.Time
}

// Suggestion is a proposed deterministic rule. Pattern is a literal,
// regex-escaped substring; confidence reflects support, specificity, and
// the absence of benign traffic matching the same pattern.
type Suggestion struct {
	Pattern            string
	Raw                string
	Category           features.Category
	Confidence         float64
	SupportingEventIDs []string
	SupportCount       int
}

// Config bounds the mining pass. Zero values use the documented defaults.
type Config struct {
	MinEvents     int // minimum blocked events before any pattern is claimed
	MinPatternLen int // reject shorter candidates as overly broad
	MaxSuggestions int
	MaxPayloadLen int // mining window per payload
}

func (c Config) withDefaults() Config {
	if c.MinEvents <= 0 {
		c.MinEvents = 5
	}
	if c.MinPatternLen <= 0 {
		c.MinPatternLen = 5
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 10
	}
	if c.MaxPayloadLen <= 0 {
		c.MaxPayloadLen = 512
	}
	return c
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Analyze proposes rules from a batch of blocked events. Fewer than
// MinEvents is insufficient evidence: the result is empty, not an error.
// benign carries recent allowed-request URLs; candidates matching them are
// penalized so overly broad patterns never reach high confidence.
func (e *Engine) Analyze(events []Event, benign []string) []Suggestion {
	// A block produced by an adaptive rule is that rule's own output, not
	// fresh evidence; mining it would let a rule manufacture its own
	// support. Only anomaly-driven events count.
	eligible := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.RuleID == "" {
			eligible = append(eligible, ev)
		}
	}
	if len(eligible) < e.cfg.MinEvents {
		return nil
	}

	// Group by signature and attack category: same-shaped attacks mine
	// together even when literal payload values differ.
	groups := make(map[string][]Event)
	for _, ev := range eligible {
		key := string(ev.Category) + "|" + ev.Signature
		groups[key] = append(groups[key], ev)
	}
	// A category-wide group catches common payload cores that span paths
	// (the same injection sprayed across endpoints).
	for _, ev := range eligible {
		key := string(ev.Category) + "|*"
		groups[key] = append(groups[key], ev)
	}

	// Groups are visited in sorted key order and a pattern mined by more
	// than one group keeps its strongest occurrence, so the same corpus
	// always yields the same suggestions. Auto-approval hangs off the
	// confidence value; it must not depend on map iteration order.
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	index := make(map[string]int)
	var out []Suggestion
	for _, key := range keys {
		group := groups[key]
		if len(group) < e.cfg.MinEvents {
			continue
		}
		for _, cand := range e.mineGroup(group, benign) {
			if i, ok := index[cand.Pattern]; ok {
				if cand.SupportCount > out[i].SupportCount ||
					(cand.SupportCount == out[i].SupportCount && cand.Confidence > out[i].Confidence) {
					out[i] = cand
				}
				continue
			}
			index[cand.Pattern] = len(out)
			out = append(out, cand)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].SupportCount > out[j].SupportCount
	})
	if len(out) > e.cfg.MaxSuggestions {
		out = out[:e.cfg.MaxSuggestions]
	}
	return out
}

func (e *Engine) mineGroup(group []Event, benign []string) []Suggestion {
	payloads := make([]string, len(group))
	for i, ev := range group {
		p := ev.Payload
		if p == "" {
			p = ev.RequestURL
		}
		if len(p) > e.cfg.MaxPayloadLen {
			p = p[:e.cfg.MaxPayloadLen]
		}
		payloads[i] = strings.ToLower(p)
	}

	candidates := commonSubstrings(payloads, e.cfg.MinPatternLen, e.cfg.MinEvents)

	category := majorityCategory(group)
	var out []Suggestion
	for _, cand := range candidates {
		var supporting []string
		for i, ev := range group {
			if strings.Contains(payloads[i], cand.substr) {
				supporting = append(supporting, ev.ID)
			}
		}
		conf := e.confidence(cand.substr, len(supporting), benign)
		out = append(out, Suggestion{
			Pattern:            regexp.QuoteMeta(cand.substr),
			Raw:                cand.substr,
			Category:           category,
			Confidence:         conf,
			SupportingEventIDs: supporting,
			SupportCount:       len(supporting),
		})
	}
	return out
}

// confidence blends supporting-event count, pattern specificity (length),
// and the benign-contradiction rate.
func (e *Engine) confidence(pattern string, support int, benign []string) float64 {
	supportScore := float64(support) / float64(2*e.cfg.MinEvents)
	if supportScore > 1 {
		supportScore = 1
	}
	specificity := float64(len(pattern)) / 20.0
	if specificity > 1 {
		specificity = 1
	}
	contradiction := 0.0
	if len(benign) > 0 {
		hits := 0
		for _, b := range benign {
			if strings.Contains(strings.ToLower(b), pattern) {
				hits++
			}
		}
		contradiction = float64(hits) / float64(len(benign))
	}
	return 0.5*supportScore + 0.3*specificity + 0.2*(1-contradiction)
}

func majorityCategory(group []Event) features.Category {
	votes := make(map[features.Category]int)
	for _, ev := range group {
		votes[ev.Category]++
	}
	best := features.CategoryGeneric
	bestN := 0
	for _, cat := range []features.Category{
		features.CategorySQLInjection, features.CategoryXSS,
		features.CategoryPathTraversal, features.CategoryCommandInjection,
		features.CategoryGeneric,
	} {
		if votes[cat] > bestN {
			best = cat
			bestN = votes[cat]
		}
	}
	return best
}
