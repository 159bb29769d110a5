package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wafguard/pkg/anomaly"
	"wafguard/pkg/config"
	"wafguard/pkg/features"
	"wafguard/pkg/gate"
	"wafguard/pkg/lifecycle"
	"wafguard/pkg/registry"
	"wafguard/pkg/store"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
	"wafguard/pkg/traffic"
)

// storeAPI is the slice of pkg/store the gateway touches; tests substitute
// an in-memory implementation.
type storeAPI interface {
	gate.Recorder
	ActiveModel(ctx context.Context, tenantID string) (*anomaly.Model, error)
	ListActiveRules(ctx context.Context, tenantID string) ([]*lifecycle.Rule, error)
	ListRules(ctx context.Context, tenantID string) ([]*lifecycle.Rule, error)
	ListNormalVectors(ctx context.Context, tenantID string, since time.Time, limit int) ([]features.Vector, error)
	NextModelVersion(ctx context.Context, tenantID string) (int, error)
	SaveAndPromote(ctx context.Context, m *anomaly.Model, anomalyRate float64) error
	ListBlockedEvents(ctx context.Context, tenantID string, since time.Time, limit int) ([]suggest.Event, error)
	ListBenignURLs(ctx context.Context, tenantID string, since time.Time, limit int) ([]string, error)
	TenantInsights(ctx context.Context, tenantID string, window time.Duration) (*store.Insights, error)
}

// modelCache is the registry surface the engine uses.
type modelCache interface {
	Active(ctx context.Context, tenantID string) (*anomaly.Model, error)
	Promote(ctx context.Context, m *anomaly.Model) error
}

// engine owns the per-tenant gates and the shared model/rule plumbing
// behind them.
type engine struct {
	cfg      config.Config
	log      *structlog.Logger
	store    storeAPI
	cache    modelCache
	drift    *traffic.Monitor
	patterns *traffic.Patterns

	mu    sync.Mutex // guards the gates map only, never held during hydration
	gates map[string]*gateEntry
}

// gateEntry makes first-use hydration single-flight per tenant: concurrent
// callers for one tenant share one hydration, callers for other tenants
// never wait on it.
type gateEntry struct {
	once sync.Once
	gate *gate.Gate
	err  error
}

func newEngine(cfg config.Config, log *structlog.Logger, st storeAPI, cache modelCache, drift *traffic.Monitor) *engine {
	return &engine{
		cfg:      cfg,
		log:      log,
		store:    st,
		cache:    cache,
		drift:    drift,
		patterns: traffic.NewPatterns(time.Hour),
		gates:    make(map[string]*gateEntry),
	}
}

// gateFor returns the tenant's gate, creating and hydrating it on first
// use: active model from the cache (database on miss), active rules from
// the database. Hydration runs outside the map lock so one tenant's slow
// database or cache round-trip cannot stall every other tenant.
func (e *engine) gateFor(ctx context.Context, tenantID string) (*gate.Gate, error) {
	e.mu.Lock()
	entry, ok := e.gates[tenantID]
	if !ok {
		entry = &gateEntry{}
		e.gates[tenantID] = entry
	}
	e.mu.Unlock()

	entry.once.Do(func() {
		opts := gate.Options{
			AnomalyThreshold: e.cfg.AnomalyThreshold,
			WatchBandLower:   e.cfg.WatchBandLower,
			MLEnabled:        e.cfg.MLEnabled,
		}
		g := gate.New(tenantID, opts, e.store, e.log)
		if err := e.hydrate(ctx, tenantID, g); err != nil {
			entry.err = err
			return
		}
		entry.gate = g
	})

	if entry.err != nil {
		// drop the failed entry so the next call retries hydration
		e.mu.Lock()
		if e.gates[tenantID] == entry {
			delete(e.gates, tenantID)
		}
		e.mu.Unlock()
		return nil, entry.err
	}
	return entry.gate, nil
}

func (e *engine) hydrate(ctx context.Context, tenantID string, g *gate.Gate) error {
	model, err := e.cache.Active(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, registry.ErrCacheMiss) {
			e.log.Warn("model cache lookup failed", structlog.Fields{
				"tenant": tenantID, "error": err.Error(),
			})
		}
		model, err = e.store.ActiveModel(ctx, tenantID)
	}
	switch {
	case err == nil:
		g.PromoteModel(model)
	case errors.Is(err, anomaly.ErrNoActiveModel):
		// rules-only until the first training run
	default:
		return fmt.Errorf("load active model: %w", err)
	}

	if err := e.drift.RestoreBaseline(ctx, tenantID); err != nil {
		e.log.Warn("drift baseline restore failed", structlog.Fields{
			"tenant": tenantID, "error": err.Error(),
		})
	}

	rules, err := e.store.ListActiveRules(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	compiled := make([]*gate.Rule, 0, len(rules))
	for _, r := range rules {
		cr, err := gate.CompileRule(r.ID, r.Pattern, r.Category, "adaptive")
		if err != nil {
			e.log.Warn("skipping uncompilable rule", structlog.Fields{
				"rule_id": r.ID, "tenant": tenantID, "error": err.Error(),
			})
			continue
		}
		compiled = append(compiled, cr)
	}
	g.SetRules(compiled)
	return nil
}

// promote swaps a freshly trained model into the tenant's gate and cache.
func (e *engine) promote(ctx context.Context, m *anomaly.Model) {
	if g, err := e.gateFor(ctx, m.TenantID); err == nil {
		g.PromoteModel(m)
	}
	if err := e.cache.Promote(ctx, m); err != nil {
		e.log.Warn("model cache promote failed", structlog.Fields{
			"tenant": m.TenantID, "error": err.Error(),
		})
	}
}

// projector materializes lifecycle decisions into the live gates. The
// firewall rule id carries the tenant so retraction can find the gate.
type projector struct {
	eng *engine
}

func (p *projector) Activate(ctx context.Context, rule *lifecycle.Rule) (string, error) {
	g, err := p.eng.gateFor(ctx, rule.TenantID)
	if err != nil {
		return "", err
	}
	compiled, err := gate.CompileRule(rule.ID, rule.Pattern, rule.Category, "adaptive")
	if err != nil {
		return "", err
	}
	g.AddRule(compiled)
	return rule.TenantID + ":" + rule.ID, nil
}

func (p *projector) Retract(ctx context.Context, firewallRuleID string) error {
	tenantID, ruleID, ok := strings.Cut(firewallRuleID, ":")
	if !ok {
		return fmt.Errorf("malformed firewall rule id %q", firewallRuleID)
	}
	g, err := p.eng.gateFor(ctx, tenantID)
	if err != nil {
		return err
	}
	g.RemoveRule(ruleID)
	return nil
}
