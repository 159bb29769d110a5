package anomaly

import "errors"

var (
	// ErrInsufficientSamples is returned by Train when the batch is below
	// the configured minimum. Recoverable: accumulate more traffic.
	ErrInsufficientSamples = errors.New("insufficient training samples")

	// ErrShapeMismatch indicates extractor/model version skew. A model
	// carrying this error must never be promoted.
	ErrShapeMismatch = errors.New("feature shape mismatch")

	// ErrNoActiveModel signals the rules-only degradation path. It is not
	// a hard failure on the request path.
	ErrNoActiveModel = errors.New("no active model for tenant")

	// ErrSerialization is fatal for one training run only; the previously
	// active model stays in force.
	ErrSerialization = errors.New("model serialization failed")

	// ErrUnknownSchema rejects persisted model blobs written by an
	// incompatible code version.
	ErrUnknownSchema = errors.New("unknown model schema version")
)
