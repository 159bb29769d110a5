// Package anomaly implements the per-tenant unsupervised request scorer:
// an isolation forest over standardized feature vectors. Models are
// immutable values; training produces a new version and never touches the
// previously active one.
package anomaly

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"wafguard/pkg/features"
)

// SchemaVersion tags serialized models. Deserialization rejects blobs
// written under a different schema instead of producing a misbehaving model.
const SchemaVersion = 1

// Config carries the tunable training hyperparameters. Zero values fall
// back to the documented defaults.
type Config struct {
	Trees      int
	SampleSize int
	MinSamples int
	Threshold  float64 // only used for the training report's anomaly rate
	Seed       int64   // 0 means time-seeded
}

func (c Config) withDefaults() Config {
	if c.Trees <= 0 {
		c.Trees = 100
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 256
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 100
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	return c
}

// Model is a trained, immutable anomaly detector for one tenant.
type Model struct {
	Schema       int              `json:"schema"`
	TenantID     string           `json:"tenant_id"`
	Version      int              `json:"version"`
	FeatureNames []string         `json:"feature_names"`
	SampleCount  int              `json:"sample_count"`
	TrainedAt    time.Time        `json:"trained_at"`
	Scaler       *Scaler          `json:"scaler"`
	Forest       *IsolationForest `json:"forest"`
}

// TrainReport summarizes a successful training run for the operator.
type TrainReport struct {
	SamplesUsed int           `json:"samples_used"`
	Duration    time.Duration `json:"duration"`
	AnomalyRate float64       `json:"anomaly_rate"`
}

// Train fits a new model version on a batch of normal-traffic vectors.
// It fails with ErrInsufficientSamples below cfg.MinSamples and with
// ErrShapeMismatch when the batch is not uniform; on failure no model is
// produced, so the caller's active version stays untouched.
func Train(cfg Config, tenantID string, version int, vectors []features.Vector) (*Model, *TrainReport, error) {
	cfg = cfg.withDefaults()

	if len(vectors) < cfg.MinSamples {
		return nil, nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(vectors), cfg.MinSamples)
	}

	dim := len(vectors[0])
	data := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, nil, fmt.Errorf("%w: vector %d has %d features, expected %d", ErrShapeMismatch, i, len(v), dim)
		}
		data[i] = v
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	start := time.Now()
	scaler := fitScaler(data)
	scaled := scaler.transform(data)

	forest := newIsolationForest(cfg.Trees, cfg.SampleSize)
	forest.fit(scaled, rng)

	names := features.Names()
	if dim < len(names) {
		names = names[:dim]
	}
	m := &Model{
		Schema:       SchemaVersion,
		TenantID:     tenantID,
		Version:      version,
		FeatureNames: names,
		SampleCount:  len(vectors),
		TrainedAt:    time.Now().UTC(),
		Scaler:       scaler,
		Forest:       forest,
	}

	anomalies := 0
	for _, row := range scaled {
		if forest.score(row) >= cfg.Threshold {
			anomalies++
		}
	}
	report := &TrainReport{
		SamplesUsed: len(vectors),
		Duration:    time.Since(start),
		AnomalyRate: float64(anomalies) / float64(len(vectors)),
	}
	return m, report, nil
}

// Score rates one vector in [0,1], higher meaning more deviant from the
// learned normal traffic. A nil model reports ErrNoActiveModel so callers
// can degrade to rules-only evaluation.
func (m *Model) Score(v features.Vector) (float64, error) {
	if m == nil || m.Forest == nil || m.Scaler == nil {
		return 0, ErrNoActiveModel
	}
	if len(v) != len(m.Scaler.Mean) {
		return 0, fmt.Errorf("%w: vector has %d features, model expects %d", ErrShapeMismatch, len(v), len(m.Scaler.Mean))
	}
	return m.Forest.score(m.Scaler.transformOne(v)), nil
}

// Marshal serializes the model. The output round-trips exactly: a model
// restored by UnmarshalModel yields identical scores for every vector.
func (m *Model) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// UnmarshalModel restores a serialized model, validating the schema version
// before producing a usable value.
func UnmarshalModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if m.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnknownSchema, m.Schema, SchemaVersion)
	}
	if m.Forest == nil || m.Scaler == nil {
		return nil, fmt.Errorf("%w: missing forest or scaler", ErrSerialization)
	}
	return &m, nil
}
