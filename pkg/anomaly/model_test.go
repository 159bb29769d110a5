package anomaly

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafguard/pkg/features"
)

// normalBatch produces a tight cluster of vectors resembling steady
// benign traffic.
func normalBatch(n, dim int, seed int64) []features.Vector {
	rng := rand.New(rand.NewSource(seed))
	out := make([]features.Vector, n)
	for i := range out {
		v := make(features.Vector, dim)
		for j := range v {
			v[j] = 10 + rng.NormFloat64()
		}
		out[i] = v
	}
	return out
}

func TestTrainRejectsInsufficientSamples(t *testing.T) {
	vectors := normalBatch(99, 8, 1)
	_, _, err := Train(Config{MinSamples: 100, Seed: 1}, "tenant-a", 1, vectors)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestTrainRejectsMixedShapes(t *testing.T) {
	vectors := normalBatch(150, 8, 1)
	vectors[37] = append(vectors[37], 0)
	_, _, err := Train(Config{Seed: 1}, "tenant-a", 1, vectors)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTrainReport(t *testing.T) {
	vectors := normalBatch(200, 8, 2)
	m, report, err := Train(Config{Seed: 2}, "tenant-a", 3, vectors)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotNil(t, report)

	assert.Equal(t, "tenant-a", m.TenantID)
	assert.Equal(t, 3, m.Version)
	assert.Equal(t, 200, m.SampleCount)
	assert.Equal(t, 200, report.SamplesUsed)
	assert.GreaterOrEqual(t, report.AnomalyRate, 0.0)
	assert.Less(t, report.AnomalyRate, 0.5, "normal training data should mostly score below threshold")
}

func TestScoreSeparatesOutliers(t *testing.T) {
	vectors := normalBatch(300, 8, 3)
	m, _, err := Train(Config{Seed: 3}, "tenant-a", 1, vectors)
	require.NoError(t, err)

	normal, err := m.Score(vectors[0])
	require.NoError(t, err)

	outlier := make(features.Vector, 8)
	for j := range outlier {
		outlier[j] = 500
	}
	deviant, err := m.Score(outlier)
	require.NoError(t, err)

	assert.Greater(t, deviant, normal)
	assert.GreaterOrEqual(t, deviant, 0.7, "a clear outlier must cross the blocking threshold")
	assert.Less(t, normal, 0.65)
	assert.GreaterOrEqual(t, normal, 0.0)
	assert.LessOrEqual(t, deviant, 1.0)
}

func TestScoreSeparatesOutliersWithConstantDimensions(t *testing.T) {
	// Request vectors carry many dimensions that never vary in benign
	// traffic (method one-hots, content flags, attack-token counts).
	// Trees must keep splitting on the dimensions that do vary instead of
	// collapsing into root leaves.
	rng := rand.New(rand.NewSource(9))
	vectors := make([]features.Vector, 300)
	for i := range vectors {
		v := make(features.Vector, 30)
		for j := 0; j < 5; j++ {
			v[j] = 10 + rng.NormFloat64()
		}
		// dims 5..29 constant, like one-hots and zero token counts
		v[10] = 1
		vectors[i] = v
	}
	m, _, err := Train(Config{Seed: 9}, "tenant-a", 1, vectors)
	require.NoError(t, err)

	for _, tree := range m.Forest.Trees {
		assert.False(t, tree.Root.Leaf, "tree degenerated into a root leaf")
	}

	normal, err := m.Score(vectors[0])
	require.NoError(t, err)

	outlier := make(features.Vector, 30)
	for j := 0; j < 5; j++ {
		outlier[j] = 200
	}
	outlier[10] = 1
	deviant, err := m.Score(outlier)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, deviant, 0.7)
	assert.Less(t, normal, 0.65)
}

func TestScoreShapeMismatch(t *testing.T) {
	vectors := normalBatch(150, 8, 4)
	m, _, err := Train(Config{Seed: 4}, "tenant-a", 1, vectors)
	require.NoError(t, err)

	_, err = m.Score(make(features.Vector, 5))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNilModelScore(t *testing.T) {
	var m *Model
	_, err := m.Score(make(features.Vector, 8))
	assert.ErrorIs(t, err, ErrNoActiveModel)
}

func TestModelRoundTrip(t *testing.T) {
	vectors := normalBatch(150, 8, 5)
	m, _, err := Train(Config{Seed: 5}, "tenant-a", 7, vectors)
	require.NoError(t, err)

	data, err := m.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalModel(data)
	require.NoError(t, err)
	assert.Equal(t, m.Version, restored.Version)
	assert.Equal(t, m.TenantID, restored.TenantID)

	// Restored models must score identically, not just similarly.
	probes := normalBatch(20, 8, 6)
	probes = append(probes, features.Vector{99, -4, 0, 1000, 3, 8, 2, 50})
	for _, p := range probes {
		want, err := m.Score(p)
		require.NoError(t, err)
		got, err := restored.Score(p)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestUnmarshalRejectsUnknownSchema(t *testing.T) {
	vectors := normalBatch(150, 8, 7)
	m, _, err := Train(Config{Seed: 7}, "tenant-a", 1, vectors)
	require.NoError(t, err)

	data, err := m.Marshal()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["schema"] = json.RawMessage("99")
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = UnmarshalModel(tampered)
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalModel([]byte("{not json"))
	assert.ErrorIs(t, err, ErrSerialization)

	_, err = UnmarshalModel([]byte(`{"schema":1}`))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestZeroVarianceFeatures(t *testing.T) {
	// Constant columns must not divide by zero during scaling.
	vectors := make([]features.Vector, 150)
	rng := rand.New(rand.NewSource(8))
	for i := range vectors {
		vectors[i] = features.Vector{1, 0, rng.Float64(), 42}
	}
	m, _, err := Train(Config{Seed: 8}, "tenant-a", 1, vectors)
	require.NoError(t, err)

	s, err := m.Score(features.Vector{1, 0, 0.5, 42})
	require.NoError(t, err)
	assert.False(t, s != s, "score must not be NaN")
}
