package main

import (
	"context"
	"fmt"
	"time"

	"wafguard/pkg/anomaly"
	"wafguard/pkg/metrics"
	"wafguard/pkg/structlog"
)

// trainWindow bounds how far back training pulls samples; trainLimit caps
// the batch so one tenant cannot stall the worker.
const (
	trainWindow = 7 * 24 * time.Hour
	trainLimit  = 50000
)

// trainResult is the response body of a training run.
type trainResult struct {
	TenantID    string  `json:"tenant_id"`
	Version     int     `json:"version"`
	SamplesUsed int     `json:"samples_used"`
	DurationMS  int64   `json:"duration_ms"`
	AnomalyRate float64 `json:"anomaly_rate"`
}

// train runs one full training cycle for a tenant: pull the benign
// corpus, fit a model, persist and promote it, and pin the drift
// baseline to the fresh batch's own scores.
func (e *engine) train(ctx context.Context, tenantID string) (*trainResult, error) {
	since := time.Now().UTC().Add(-trainWindow)
	vectors, err := e.store.ListNormalVectors(ctx, tenantID, since, trainLimit)
	if err != nil {
		metrics.TrainingsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	version, err := e.store.NextModelVersion(ctx, tenantID)
	if err != nil {
		metrics.TrainingsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	cfg := anomaly.Config{
		Trees:      e.cfg.ForestTrees,
		SampleSize: e.cfg.ForestSampleSize,
		MinSamples: e.cfg.MinTrainingSamples,
		Threshold:  e.cfg.AnomalyThreshold,
	}
	model, report, err := anomaly.Train(cfg, tenantID, version, vectors)
	if err != nil {
		metrics.TrainingsTotal.WithLabelValues(tenantID, "rejected").Inc()
		return nil, err
	}

	if err := e.store.SaveAndPromote(ctx, model, report.AnomalyRate); err != nil {
		metrics.TrainingsTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, fmt.Errorf("persist model: %w", err)
	}
	e.promote(ctx, model)

	// Baseline drift on the distribution the model was trained against.
	baseline := make([]float64, 0, len(vectors))
	for _, v := range vectors {
		if s, err := model.Score(v); err == nil {
			baseline = append(baseline, s)
		}
	}
	e.drift.SetBaseline(tenantID, baseline)

	metrics.TrainingsTotal.WithLabelValues(tenantID, "ok").Inc()
	e.log.Info("model trained and promoted", structlog.Fields{
		"tenant": tenantID, "version": version,
		"samples": report.SamplesUsed, "anomaly_rate": report.AnomalyRate,
	})
	return &trainResult{
		TenantID:    tenantID,
		Version:     version,
		SamplesUsed: report.SamplesUsed,
		DurationMS:  report.Duration.Milliseconds(),
		AnomalyRate: report.AnomalyRate,
	}, nil
}

// retrainWorker drains the feedback loop's retraining requests in the
// background; failures are logged and the request dropped, the next
// feedback burst will re-trigger it.
func (e *engine) retrainWorker(ctx context.Context, requests <-chan string, onTrained func(tenantID string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-requests:
			if _, err := e.train(ctx, tenantID); err != nil {
				e.log.Warn("scheduled retraining failed", structlog.Fields{
					"tenant": tenantID, "error": err.Error(),
				})
				continue
			}
			if onTrained != nil {
				onTrained(tenantID)
			}
		}
	}
}

// channelRetrainer adapts a channel to the feedback loop's Retrainer.
// Sends never block; a full queue means a run is already pending.
type channelRetrainer chan string

func (c channelRetrainer) ScheduleRetrain(tenantID string) {
	select {
	case c <- tenantID:
	default:
	}
}
