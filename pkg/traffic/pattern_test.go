package traffic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternsAggregation(t *testing.T) {
	p := NewPatterns(time.Hour)
	p.Record("tenant-a", "GET", "10.0.0.1", 0.2, true, false, false)
	p.Record("tenant-a", "GET", "10.0.0.2", 0.4, true, false, false)
	p.Record("tenant-a", "POST", "10.0.0.1", 0.9, true, true, false)
	p.Record("tenant-a", "POST", "10.0.0.3", 0.6, true, false, true)

	stats := p.Current("tenant-a")
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.Requests)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.Watched)
	assert.Equal(t, 3, stats.UniqueIPs)
	assert.Equal(t, map[string]int{"GET": 2, "POST": 2}, stats.Methods)
	assert.InDelta(t, 0.525, stats.MeanScore, 1e-9)
}

func TestPatternsUnscoredRequestsExcludedFromMean(t *testing.T) {
	p := NewPatterns(time.Hour)
	p.Record("tenant-a", "GET", "", 0, false, false, false)
	p.Record("tenant-a", "GET", "", 0.8, true, false, false)

	stats := p.Current("tenant-a")
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Requests)
	assert.InDelta(t, 0.8, stats.MeanScore, 1e-9)
}

func TestPatternsTenantsIsolated(t *testing.T) {
	p := NewPatterns(time.Hour)
	p.Record("tenant-a", "GET", "10.0.0.1", 0.1, true, false, false)

	assert.Nil(t, p.Current("tenant-b"))
	require.NotNil(t, p.Current("tenant-a"))
}

func TestPatternsWindowRolls(t *testing.T) {
	p := NewPatterns(time.Nanosecond)
	p.Record("tenant-a", "GET", "10.0.0.1", 0.3, true, false, false)
	time.Sleep(time.Millisecond)
	p.Record("tenant-a", "POST", "10.0.0.2", 0.7, true, true, false)

	prev := p.Completed("tenant-a")
	require.NotNil(t, prev)
	assert.Equal(t, 1, prev.Requests)
	assert.Equal(t, map[string]int{"GET": 1}, prev.Methods)

	cur := p.Current("tenant-a")
	require.NotNil(t, cur)
	assert.Equal(t, 1, cur.Requests)
	assert.Equal(t, 1, cur.Blocked)
}

func TestPatternsCurrentCopyIsDetached(t *testing.T) {
	p := NewPatterns(time.Hour)
	p.Record("tenant-a", "GET", "10.0.0.1", 0.5, true, false, false)

	snap := p.Current("tenant-a")
	snap.Methods["GET"] = 99

	assert.Equal(t, 1, p.Current("tenant-a").Methods["GET"])
}
