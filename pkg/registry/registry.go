// Package registry caches the serialized active model per tenant in
// Redis so gateway replicas pick up a promotion without hitting
// Postgres. The database stays the source of truth; a cold or failed
// cache falls through to it.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"wafguard/pkg/anomaly"
)

var (
	cachePromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "registry", Name: "promotions_total",
			Help: "Model promotions written to the cache."},
		[]string{"tenant"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "registry", Name: "lookups_total",
			Help: "Active-model cache lookups, by outcome."},
		[]string{"outcome"},
	)
)

func init() {
	_ = prometheus.Register(cachePromotions)
	_ = prometheus.Register(cacheLookups)
}

// ErrCacheMiss reports that no active model is cached for the tenant.
var ErrCacheMiss = errors.New("no cached model")

const cacheTTL = 24 * time.Hour

// Metadata is the lightweight record stored beside the model blob.
type Metadata struct {
	TenantID    string    `json:"tenant_id"`
	Version     int       `json:"version"`
	SampleCount int       `json:"sample_count"`
	PayloadHash string    `json:"payload_hash"`
	TrainedAt   time.Time `json:"trained_at"`
	PromotedAt  time.Time `json:"promoted_at"`
}

type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func modelKey(tenantID string) string    { return "waf:model:active:" + tenantID }
func metadataKey(tenantID string) string { return "waf:model:meta:" + tenantID }

// Promote caches a freshly promoted model and its metadata.
func (r *Registry) Promote(ctx context.Context, m *anomaly.Model) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	meta := Metadata{
		TenantID:    m.TenantID,
		Version:     m.Version,
		SampleCount: m.SampleCount,
		PayloadHash: hex.EncodeToString(sum[:]),
		TrainedAt:   m.TrainedAt,
		PromotedAt:  time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal model metadata: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, modelKey(m.TenantID), payload, cacheTTL)
	pipe.Set(ctx, metadataKey(m.TenantID), metaJSON, cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache model: %w", err)
	}
	cachePromotions.WithLabelValues(m.TenantID).Inc()
	return nil
}

// Active loads and deserializes the cached active model.
func (r *Registry) Active(ctx context.Context, tenantID string) (*anomaly.Model, error) {
	payload, err := r.rdb.Get(ctx, modelKey(tenantID)).Bytes()
	if err == redis.Nil {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	m, err := anomaly.UnmarshalModel(payload)
	if err != nil {
		cacheLookups.WithLabelValues("corrupt").Inc()
		return nil, err
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return m, nil
}

// ActiveMetadata returns the cached promotion record without decoding the
// model payload.
func (r *Registry) ActiveMetadata(ctx context.Context, tenantID string) (*Metadata, error) {
	data, err := r.rdb.Get(ctx, metadataKey(tenantID)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("metadata lookup: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode model metadata: %w", err)
	}
	return &meta, nil
}

// Invalidate drops a tenant's cached model, forcing the next reader back
// to the database.
func (r *Registry) Invalidate(ctx context.Context, tenantID string) error {
	return r.rdb.Del(ctx, modelKey(tenantID), metadataKey(tenantID)).Err()
}
