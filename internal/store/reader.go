package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/telemetry"
)

// Lookup is the result of a resolved point read.
type Lookup struct {
	Record    presence.Record
	Found     bool
	Effective presence.Status
}

// Reader performs point reads and applies the staleness resolver.
// Concurrent reads of the same subject share one store call.
type Reader struct {
	getter   Getter
	resolver presence.Resolver
	metrics  *telemetry.Instruments
	now      func() time.Time
	group    singleflight.Group
}

// NewReader returns a Reader over g. metrics may be nil.
func NewReader(g Getter, threshold time.Duration, metrics *telemetry.Instruments) *Reader {
	return &Reader{
		getter:   g,
		resolver: presence.NewResolver(threshold),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Lookup reads subjectID and resolves its effective status. A missing
// record resolves to offline and is not an error.
func (r *Reader) Lookup(ctx context.Context, subjectID string) (Lookup, error) {
	if err := presence.ValidateSubjectID(subjectID); err != nil {
		return Lookup{}, err
	}

	ch := r.group.DoChan(subjectID, func() (any, error) {
		return r.getter.Get(context.WithoutCancel(ctx), subjectID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Lookup{}, ctx.Err()
	}

	var out Lookup
	switch {
	case errors.Is(res.Err, ErrNotFound):
		out.Effective = presence.Offline
	case res.Err != nil:
		return Lookup{}, res.Err
	default:
		out.Record = res.Val.(presence.Record)
		out.Found = true
		out.Effective = r.resolver.Resolve(out.Record, r.now())
	}
	r.metrics.RecordRead(ctx, string(out.Effective), res.Shared)
	return out, nil
}

// Effective returns only the effective status of subjectID.
func (r *Reader) Effective(ctx context.Context, subjectID string) (presence.Status, error) {
	l, err := r.Lookup(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return l.Effective, nil
}
