// Package telemetry holds the OpenTelemetry instruments shared by the
// presence components. Instruments come from the global meter provider, so
// they are no-ops unless the embedding process installs an SDK.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "presenced"

// Instruments is the set of counters and histograms the daemon records.
// A nil *Instruments is valid and records nothing. Every field of one built
// by [New] is non-nil.
type Instruments struct {
	writes        metric.Int64Counter
	writeFailures metric.Int64Counter
	writeDuration metric.Float64Histogram
	coalesced     metric.Int64Counter
	transitions   metric.Int64Counter
	cleanups      metric.Int64Counter
	reads         metric.Int64Counter
}

// New creates instruments on meter. An instrument that fails to create is
// logged and left as a no-op.
func New(meter metric.Meter) *Instruments {
	return &Instruments{
		writes: counter(meter, "presence_writes_total",
			"Presence records written, by reason"),
		writeFailures: counter(meter, "presence_write_failures_total",
			"Presence writes that failed and were dropped"),
		writeDuration: histogram(meter, "presence_write_duration_seconds",
			"Duration of presence store writes"),
		coalesced: counter(meter, "presence_status_coalesced_total",
			"Status updates superseded inside one batch window"),
		transitions: counter(meter, "presence_transitions_total",
			"Effective status transitions, by target status"),
		cleanups: counter(meter, "presence_cleanup_tasks_total",
			"Cleanup tasks run at shutdown, by outcome"),
		reads: counter(meter, "presence_reads_total",
			"Presence point reads, by resolved status"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		slog.Warn("metric instrument unavailable", "instrument", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

func histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil {
		slog.Warn("metric instrument unavailable", "instrument", name, "error", err)
		return noop.Float64Histogram{}
	}
	return h
}

// Default creates instruments on the global meter provider.
func Default() *Instruments {
	return New(otel.Meter(MeterName))
}

// RecordWrite records a store write attempt.
func (i *Instruments) RecordWrite(ctx context.Context, reason string, err error, d time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	i.writes.Add(ctx, 1, attrs)
	i.writeDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		i.writeFailures.Add(ctx, 1, attrs)
	}
}

// RecordCoalesced counts a status update that replaced a pending one.
func (i *Instruments) RecordCoalesced(ctx context.Context) {
	if i == nil {
		return
	}
	i.coalesced.Add(ctx, 1)
}

// RecordTransition counts an effective status change.
func (i *Instruments) RecordTransition(ctx context.Context, status string, auto bool) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("auto", auto),
	))
}

// RecordCleanup counts one cleanup task outcome.
func (i *Instruments) RecordCleanup(ctx context.Context, task string, err error) {
	if i == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.cleanups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	))
}

// RecordRead counts a resolved point read.
func (i *Instruments) RecordRead(ctx context.Context, status string, shared bool) {
	if i == nil {
		return
	}
	i.reads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("shared", shared),
	))
}
