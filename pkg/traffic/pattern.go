package traffic

import (
	"sync"
	"time"
)

// PatternStats is one tenant's rolled-up traffic window.
type PatternStats struct {
	TenantID    string         `json:"tenant_id"`
	WindowStart time.Time      `json:"window_start"`
	Requests    int            `json:"requests"`
	Blocked     int            `json:"blocked"`
	Watched     int            `json:"watched"`
	MeanScore   float64        `json:"mean_score"`
	Methods     map[string]int `json:"methods"`
	UniqueIPs   int            `json:"unique_ips"`
}

type patternWindow struct {
	start     time.Time
	requests  int
	blocked   int
	watched   int
	scoreSum  float64
	scored    int
	methods   map[string]int
	uniqueIPs map[string]struct{}
}

func newPatternWindow(now time.Time) *patternWindow {
	return &patternWindow{
		start:     now,
		methods:   make(map[string]int),
		uniqueIPs: make(map[string]struct{}),
	}
}

// Patterns aggregates per-tenant traffic shape over fixed windows. The
// previous completed window stays readable so the insights endpoint never
// reports a half-empty one.
type Patterns struct {
	mu       sync.Mutex
	window   time.Duration
	current  map[string]*patternWindow
	previous map[string]*PatternStats
}

func NewPatterns(window time.Duration) *Patterns {
	if window <= 0 {
		window = time.Hour
	}
	return &Patterns{
		window:   window,
		current:  make(map[string]*patternWindow),
		previous: make(map[string]*PatternStats),
	}
}

// Record folds one evaluated request into the tenant's current window.
func (p *Patterns) Record(tenantID, method, clientIP string, score float64, scored, blocked, watched bool) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.current[tenantID]
	if !ok {
		w = newPatternWindow(now)
		p.current[tenantID] = w
	} else if now.Sub(w.start) >= p.window {
		p.previous[tenantID] = p.roll(tenantID, w)
		w = newPatternWindow(now)
		p.current[tenantID] = w
	}

	w.requests++
	if blocked {
		w.blocked++
	}
	if watched {
		w.watched++
	}
	if scored {
		w.scoreSum += score
		w.scored++
	}
	if method != "" {
		w.methods[method]++
	}
	if clientIP != "" {
		w.uniqueIPs[clientIP] = struct{}{}
	}
}

func (p *Patterns) roll(tenantID string, w *patternWindow) *PatternStats {
	stats := &PatternStats{
		TenantID:    tenantID,
		WindowStart: w.start,
		Requests:    w.requests,
		Blocked:     w.blocked,
		Watched:     w.watched,
		Methods:     w.methods,
		UniqueIPs:   len(w.uniqueIPs),
	}
	if w.scored > 0 {
		stats.MeanScore = w.scoreSum / float64(w.scored)
	}
	return stats
}

// Current returns a copy of the tenant's in-progress window.
func (p *Patterns) Current(tenantID string) *PatternStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.current[tenantID]
	if !ok {
		return nil
	}
	stats := p.roll(tenantID, w)
	methods := make(map[string]int, len(w.methods))
	for k, v := range w.methods {
		methods[k] = v
	}
	stats.Methods = methods
	return stats
}

// Completed returns the tenant's last fully rolled window, if any.
func (p *Patterns) Completed(tenantID string) *PatternStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previous[tenantID]
}
