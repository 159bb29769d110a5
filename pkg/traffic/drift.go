// Package traffic keeps windowed per-tenant statistics over anomaly
// scores and feature values and flags distribution drift against the
// baseline captured at the last training run. Drift is a retraining
// signal, never a blocking decision.
package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	driftAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "traffic", Name: "drift_alerts_total",
			Help: "Drift alerts raised against the training baseline, by severity."},
		[]string{"tenant", "severity"},
	)
	driftScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "waf", Subsystem: "traffic", Name: "drift_score",
			Help: "Latest drift score per tenant and tracked dimension."},
		[]string{"tenant", "dimension"},
	)
)

func init() {
	_ = prometheus.Register(driftAlerts)
	_ = prometheus.Register(driftScore)
}

const histogramBins = 10

// Stats is an online summary of one tracked dimension inside a window.
// Mean and variance update via Welford's algorithm; the histogram uses
// fixed bins over [lo, hi].
type Stats struct {
	Count     int       `json:"count"`
	Mean      float64   `json:"mean"`
	m2        float64
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Histogram []int     `json:"histogram"`
	lo, hi    float64
	UpdatedAt time.Time `json:"updated_at"`
}

func newStats(lo, hi float64) *Stats {
	return &Stats{Histogram: make([]int, histogramBins), lo: lo, hi: hi}
}

func (s *Stats) observe(v float64) {
	s.Count++
	if s.Count == 1 {
		s.Min, s.Max = v, v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	delta := v - s.Mean
	s.Mean += delta / float64(s.Count)
	s.m2 += delta * (v - s.Mean)

	bin := 0
	if s.hi > s.lo {
		bin = int((v - s.lo) / (s.hi - s.lo) * histogramBins)
	}
	if bin < 0 {
		bin = 0
	}
	if bin >= histogramBins {
		bin = histogramBins - 1
	}
	s.Histogram[bin]++
	s.UpdatedAt = time.Now().UTC()
}

// Variance returns the sample variance of the window.
func (s *Stats) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.m2 / float64(s.Count-1)
}

// Severity buckets a drift score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityFor(score float64) Severity {
	switch {
	case score > 0.25:
		return SeverityCritical
	case score > 0.15:
		return SeverityHigh
	case score > 0.10:
		return SeverityMedium
	}
	return SeverityLow
}

// Alert is one drift finding for a tenant.
type Alert struct {
	TenantID   string    `json:"tenant_id"`
	Dimension  string    `json:"dimension"`
	Severity   Severity  `json:"severity"`
	DriftScore float64   `json:"drift_score"`
	KS         float64   `json:"ks"`
	PSI        float64   `json:"psi"`
	DetectedAt time.Time `json:"detected_at"`
}

// Monitor tracks score distributions per tenant. A baseline is pinned at
// training time; the current window is compared against it once full and
// then reset. With a Redis client attached, baselines and alerts survive
// restarts; without one the monitor is purely in-memory.
type Monitor struct {
	rdb        *redis.Client
	mu         sync.Mutex
	windowSize int
	threshold  float64
	baselines  map[string]*Stats
	current    map[string]*Stats
	onAlert    func(Alert)
}

func NewMonitor(rdb *redis.Client, windowSize int, threshold float64, onAlert func(Alert)) *Monitor {
	if windowSize <= 0 {
		windowSize = 1000
	}
	if threshold <= 0 {
		threshold = 0.05
	}
	return &Monitor{
		rdb:        rdb,
		windowSize: windowSize,
		threshold:  threshold,
		baselines:  make(map[string]*Stats),
		current:    make(map[string]*Stats),
		onAlert:    onAlert,
	}
}

func baselineKey(tenantID string) string { return "waf:drift:baseline:" + tenantID }

// SetBaseline pins the reference score distribution for a tenant,
// typically the scores of the batch a model was just trained on.
func (m *Monitor) SetBaseline(tenantID string, scores []float64) {
	s := newStats(0, 1)
	for _, v := range scores {
		s.observe(v)
	}
	m.mu.Lock()
	m.baselines[tenantID] = s
	m.current[tenantID] = newStats(0, 1)
	m.mu.Unlock()

	if m.rdb != nil {
		if data, err := json.Marshal(s); err == nil {
			m.rdb.Set(context.Background(), baselineKey(tenantID), data, 7*24*time.Hour)
		}
	}
}

// RestoreBaseline loads a previously persisted baseline, so a restarted
// instance keeps drift-checking without waiting for the next training run.
func (m *Monitor) RestoreBaseline(ctx context.Context, tenantID string) error {
	if m.rdb == nil {
		return nil
	}
	data, err := m.rdb.Get(ctx, baselineKey(tenantID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load drift baseline: %w", err)
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode drift baseline: %w", err)
	}
	s.lo, s.hi = 0, 1
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[tenantID] = &s
	if _, ok := m.current[tenantID]; !ok {
		m.current[tenantID] = newStats(0, 1)
	}
	return nil
}

// Observe records one live anomaly score. When the window fills it is
// checked against the baseline and reset; the alert, if any, is returned
// and also delivered to the callback.
func (m *Monitor) Observe(tenantID string, score float64) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.current[tenantID]
	if !ok {
		cur = newStats(0, 1)
		m.current[tenantID] = cur
	}
	cur.observe(score)
	if cur.Count < m.windowSize {
		return nil
	}

	base := m.baselines[tenantID]
	m.current[tenantID] = newStats(0, 1)
	if base == nil || base.Count == 0 {
		return nil
	}

	ks := ksStatistic(base, cur)
	psi := psiStatistic(base, cur)
	combined := math.Max(ks, psi)
	driftScore.WithLabelValues(tenantID, "anomaly_score").Set(combined)
	if ks <= m.threshold && psi <= 0.1 {
		return nil
	}

	alert := &Alert{
		TenantID:   tenantID,
		Dimension:  "anomaly_score",
		Severity:   severityFor(combined),
		DriftScore: combined,
		KS:         ks,
		PSI:        psi,
		DetectedAt: time.Now().UTC(),
	}
	driftAlerts.WithLabelValues(tenantID, string(alert.Severity)).Inc()
	m.storeAlert(*alert)
	if m.onAlert != nil {
		go m.onAlert(*alert)
	}
	return alert
}

func (m *Monitor) storeAlert(alert Alert) {
	if m.rdb == nil {
		return
	}
	key := fmt.Sprintf("waf:drift:alert:%s:%d", alert.TenantID, alert.DetectedAt.UnixNano())
	if data, err := json.Marshal(alert); err == nil {
		m.rdb.Set(context.Background(), key, data, 30*24*time.Hour)
	}
}

// Alerts returns the tenant's persisted drift alerts newer than since.
func (m *Monitor) Alerts(ctx context.Context, tenantID string, since time.Time) ([]Alert, error) {
	if m.rdb == nil {
		return nil, nil
	}
	keys, err := m.rdb.Keys(ctx, "waf:drift:alert:"+tenantID+":*").Result()
	if err != nil {
		return nil, fmt.Errorf("list drift alerts: %w", err)
	}
	var out []Alert
	for _, key := range keys {
		data, err := m.rdb.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if a.DetectedAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Snapshot returns a copy of the tenant's current window stats for the
// insights endpoint.
func (m *Monitor) Snapshot(tenantID string) *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.current[tenantID]
	if !ok {
		return nil
	}
	cp := *cur
	cp.Histogram = append([]int(nil), cur.Histogram...)
	return &cp
}

// ksStatistic approximates the Kolmogorov-Smirnov distance from binned
// distributions: the largest per-bin proportion gap.
func ksStatistic(base, cur *Stats) float64 {
	maxDiff := 0.0
	for i := 0; i < histogramBins; i++ {
		b := float64(base.Histogram[i]) / float64(base.Count)
		c := float64(cur.Histogram[i]) / float64(cur.Count)
		if d := math.Abs(b - c); d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff
}

// psiStatistic computes the Population Stability Index over the bins.
func psiStatistic(base, cur *Stats) float64 {
	psi := 0.0
	for i := 0; i < histogramBins; i++ {
		b := float64(base.Histogram[i]) / float64(base.Count)
		c := float64(cur.Histogram[i]) / float64(cur.Count)
		if b < 0.0001 {
			b = 0.0001
		}
		if c < 0.0001 {
			c = 0.0001
		}
		psi += (c - b) * math.Log(c/b)
	}
	return psi
}
