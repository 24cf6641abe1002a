// Package metrics exposes the engine's OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName scopes every instrument created by this package
const MeterName = "github.com/RevCBH/winforge"

// Metrics holds the transaction and checkpoint instruments.
type Metrics struct {
	txnTotal        metric.Int64Counter
	txnDuration     metric.Float64Histogram
	txnActive       metric.Int64UpDownCounter
	checkpointBytes metric.Int64Counter
	checkpoints     metric.Int64Counter
	mountRetries    metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	txnTotal, err := meter.Int64Counter(
		"winforge_transactions_total",
		metric.WithDescription("Total number of finished transactions by final state"),
	)
	if err != nil {
		return nil, err
	}

	txnDuration, err := meter.Float64Histogram(
		"winforge_transaction_duration_seconds",
		metric.WithDescription("Time from lock acquisition to unmount"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	txnActive, err := meter.Int64UpDownCounter(
		"winforge_transactions_active",
		metric.WithDescription("Number of transactions currently holding a mount"),
	)
	if err != nil {
		return nil, err
	}

	checkpointBytes, err := meter.Int64Counter(
		"winforge_checkpoint_bytes_total",
		metric.WithDescription("Blob bytes written by checkpoints"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter(
		"winforge_checkpoints_total",
		metric.WithDescription("Total number of checkpoints created by kind"),
	)
	if err != nil {
		return nil, err
	}

	mountRetries, err := meter.Int64Counter(
		"winforge_mount_retries_total",
		metric.WithDescription("Transient mount failures that were retried"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		txnTotal:        txnTotal,
		txnDuration:     txnDuration,
		txnActive:       txnActive,
		checkpointBytes: checkpointBytes,
		checkpoints:     checkpoints,
		mountRetries:    mountRetries,
	}, nil
}

// Global builds the instruments on the global meter provider, which is a
// no-op until the program installs one.
func Global() *Metrics {
	m, err := New(otel.Meter(MeterName))
	if err != nil {
		return Nop()
	}
	return m
}

// Nop returns instruments that record nothing.
func Nop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// TxnStarted marks a transaction as holding a mount.
func (m *Metrics) TxnStarted(ctx context.Context, format string) {
	if m == nil {
		return
	}
	m.txnActive.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}

// TxnFinished records the outcome of a transaction that called TxnStarted.
func (m *Metrics) TxnFinished(ctx context.Context, format, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("format", format),
		attribute.String("state", state),
	}
	m.txnActive.Add(ctx, -1, metric.WithAttributes(attribute.String("format", format)))
	m.txnTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.txnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// CheckpointCreated records one checkpoint and the blob bytes it wrote.
func (m *Metrics) CheckpointCreated(ctx context.Context, kind string, bytes int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.checkpoints.Add(ctx, 1, attrs)
	m.checkpointBytes.Add(ctx, bytes, attrs)
}

// MountRetried counts a transient mount failure that will be retried.
func (m *Metrics) MountRetried(ctx context.Context, format string) {
	if m == nil {
		return
	}
	m.mountRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("format", format)))
}
