// ABOUTME: Storage service telemetry for put, get and delete operations
// ABOUTME: Records latency, payload and stored sizes per codec, and failures by code

package storage

import (
	"context"
	"time"

	"github.com/subframe/subframe/pkg/common/failure"
	"github.com/subframe/subframe/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ServiceMetrics defines the interface for storage service telemetry.
type ServiceMetrics interface {
	telemetry.ComponentMetrics

	// StartOperation opens a span covering one service call.
	StartOperation(ctx context.Context, opType, key string) (context.Context, trace.Span)

	// RecordOperation records the outcome of one service call. raw and stored
	// are payload sizes before and after compression; zero when unknown.
	RecordOperation(ctx context.Context, opType string, duration time.Duration, raw, stored int, codec Codec, err error)
}

type serviceMetrics struct {
	tel telemetry.Telemetry
}

// NewServiceMetrics creates ServiceMetrics backed by tel.
// If tel is nil, returns a no-op implementation.
func NewServiceMetrics(tel telemetry.Telemetry) ServiceMetrics {
	if tel == nil {
		return NewNoopServiceMetrics()
	}
	return &serviceMetrics{tel: tel}
}

// NewNoopServiceMetrics creates a no-op ServiceMetrics.
func NewNoopServiceMetrics() ServiceMetrics {
	return &serviceMetrics{tel: telemetry.NewNoop()}
}

func (m *serviceMetrics) StartOperation(ctx context.Context, opType, key string) (context.Context, trace.Span) {
	return m.tel.StartSpan(ctx, "subframe.storage."+opType,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String("record.key", key),
	)
}

func (m *serviceMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, raw, stored int, codec Codec, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	}

	m.tel.RecordHistogram(ctx, "subframe.storage.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "subframe.storage.operations.total", 1, attrs...)

	if err != nil {
		m.tel.RecordCounter(ctx, "subframe.storage.errors.total", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
			attribute.String(telemetry.AttrOperationType, opType),
			attribute.String(telemetry.AttrErrorType, failure.KindOf(err).Code),
		)
		return
	}

	if raw > 0 {
		codecAttrs := []attribute.KeyValue{
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStorage),
			attribute.String(telemetry.AttrOperationType, opType),
			attribute.String(telemetry.AttrCodec, string(codec)),
		}
		m.tel.RecordCounter(ctx, "subframe.storage.payload.bytes", int64(raw), codecAttrs...)
		m.tel.RecordCounter(ctx, "subframe.storage.stored.bytes", int64(stored), codecAttrs...)
	}
}

func (m *serviceMetrics) Close() error {
	return nil
}
