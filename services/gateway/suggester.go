package main

import (
	"context"
	"time"

	"wafguard/pkg/lifecycle"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
)

const (
	suggestEventLimit = 5000
	benignSampleLimit = 2000
)

// suggestResult is the response body of a suggestion run.
type suggestResult struct {
	TenantID         string         `json:"tenant_id"`
	EventsAnalyzed   int            `json:"events_analyzed"`
	RulesCreated     int            `json:"rules_created"`
	RulesPerCategory map[string]int `json:"rules_per_category"`
}

// runSuggestions mines the tenant's recent blocked events and feeds each
// proposal through the rule lifecycle. Duplicates are silently skipped by
// the manager.
func runSuggestions(ctx context.Context, eng *engine, sugg *suggest.Engine, rules *lifecycle.Manager, tenantID string, window time.Duration) (*suggestResult, error) {
	since := time.Now().UTC().Add(-window)
	events, err := eng.store.ListBlockedEvents(ctx, tenantID, since, suggestEventLimit)
	if err != nil {
		return nil, err
	}
	benign, err := eng.store.ListBenignURLs(ctx, tenantID, since, benignSampleLimit)
	if err != nil {
		return nil, err
	}

	result := &suggestResult{
		TenantID:         tenantID,
		EventsAnalyzed:   len(events),
		RulesPerCategory: make(map[string]int),
	}
	for _, s := range sugg.Analyze(events, benign) {
		rule, err := rules.CreateFromSuggestion(ctx, tenantID, s)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			continue
		}
		result.RulesCreated++
		result.RulesPerCategory[string(rule.Category)]++
	}

	eng.log.Info("suggestion run finished", structlog.Fields{
		"tenant": tenantID, "events": result.EventsAnalyzed, "created": result.RulesCreated,
	})
	return result, nil
}
