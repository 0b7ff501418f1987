// ABOUTME: Block store telemetry metrics interface and implementation
// ABOUTME: Tracks duration, payload bytes and outcome of allocate, write, read, free and persist

package blockstore

import (
	"context"
	"time"

	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StoreMetrics defines the interface for block store telemetry.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records one block operation. bytes is the payload size
	// for writes and the returned length for reads.
	RecordOperation(ctx context.Context, opType string, duration time.Duration, bytes int, err error)
}

type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a StoreMetrics backed by tel.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op implementation.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, bytes int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockStore),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	}

	m.tel.RecordHistogram(ctx, "subframe.blockstore.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "subframe.blockstore.operations.total", 1, attrs...)

	if err != nil {
		m.tel.RecordCounter(ctx, "subframe.blockstore.errors.total", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockStore),
			attribute.String(telemetry.AttrOperationType, opType),
			attribute.String(telemetry.AttrErrorType, failure.KindOf(err).Code),
		)
		return
	}

	if bytes > 0 {
		m.tel.RecordCounter(ctx, "subframe.blockstore.bytes", int64(bytes),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockStore),
			attribute.String(telemetry.AttrOperationType, opType),
		)
	}
}

func (m *storeMetrics) Close() error {
	return nil
}

type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, bytes int, err error) {
}

func (n *noopStoreMetrics) Close() error {
	return nil
}
