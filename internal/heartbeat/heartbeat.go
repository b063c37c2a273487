// Package heartbeat keeps a subject's presence record fresh.
//
// The [Coordinator] rewrites the record on an adaptive cadence (fast while a
// live session is active, slow otherwise) so readers can tell a crashed
// client from a quiet one, and it batches bursts of status changes into a
// single write. Writes are serialized and always carry the newest state, so
// an older status is never written after a newer one.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tools.zach/dev/presenced/internal/idle"
	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/telemetry"
)

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

const (
	DefaultHighFrequencyInterval = 2 * time.Minute
	DefaultLowFrequencyInterval  = 5 * time.Minute
	DefaultBatchDelay            = 3 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
)

// Config holds the coordinator timings.
type Config struct {
	// HighFrequencyInterval is the heartbeat period during a live session.
	HighFrequencyInterval time.Duration
	// LowFrequencyInterval is the heartbeat period otherwise.
	LowFrequencyInterval time.Duration
	// BatchDelay is the window over which status changes coalesce.
	BatchDelay time.Duration
	// WriteTimeout bounds each background store write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		HighFrequencyInterval: DefaultHighFrequencyInterval,
		LowFrequencyInterval:  DefaultLowFrequencyInterval,
		BatchDelay:            DefaultBatchDelay,
		WriteTimeout:          DefaultWriteTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HighFrequencyInterval <= 0 {
		c.HighFrequencyInterval = d.HighFrequencyInterval
	}
	if c.LowFrequencyInterval <= 0 {
		c.LowFrequencyInterval = d.LowFrequencyInterval
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = d.BatchDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Writer persists presence records.
type Writer interface {
	Put(ctx context.Context, rec presence.Record) error
}

// LiveSession is the observable live-session flag.
type LiveSession interface {
	Active() bool
	Subscribe(fn func(active bool)) (unsubscribe func())
}

var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrStopped        = errors.New("heartbeat stopped")
)

// Stats counts write attempts since the coordinator was created.
type Stats struct {
	Writes   int
	Failures int
}

// ///////////////////////////////////////////////
// Coordinator
// ///////////////////////////////////////////////

// Coordinator owns one session's presence record.
type Coordinator struct {
	writer    Writer
	subjectID string
	sessionID string
	live      LiveSession
	cfg       Config
	metrics   *telemetry.Instruments
	now       func() time.Time

	mu         sync.Mutex
	current    idle.Snapshot
	pending    *idle.Snapshot
	batchTimer *time.Timer
	batchGen   uint64
	tickTimer  *time.Timer
	tickGen    uint64
	started    bool
	stopped    bool
	offline    bool
	unsubLive  func()

	// writeMu serializes store writes. lastSeen and stats are guarded by it.
	writeMu  sync.Mutex
	lastSeen int64
	stats    Stats
}

// New returns a Coordinator writing subjectID's record to w. live and
// metrics may be nil.
func New(w Writer, subjectID string, live LiveSession, cfg Config, metrics *telemetry.Instruments) (*Coordinator, error) {
	if err := presence.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}
	return &Coordinator{
		writer:    w,
		subjectID: subjectID,
		sessionID: uuid.NewString(),
		live:      live,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		now:       time.Now,
		current:   idle.Snapshot{Status: presence.Online},
	}, nil
}

// SessionID returns the id stamped on every record this coordinator writes.
func (c *Coordinator) SessionID() string { return c.sessionID }

// SubjectID returns the subject whose record this coordinator writes.
func (c *Coordinator) SubjectID() string { return c.subjectID }

// Start writes the first heartbeat with initial as the status and then
// keeps the record fresh until Stop or GoOffline.
func (c *Coordinator) Start(initial idle.Snapshot) error {
	c.mu.Lock()
	if c.stopped || c.offline {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.current = initial
	if c.live != nil {
		c.unsubLive = c.live.Subscribe(c.liveChanged)
	}
	c.mu.Unlock()

	slog.Info("heartbeat started", "subject", c.subjectID, "session", c.sessionID, "status", initial.Status)
	c.write("start")

	c.mu.Lock()
	c.armTickLocked()
	c.mu.Unlock()
	return nil
}

// UpdateStatus queues a status change. Changes arriving within one batch
// window collapse into a single write of the newest value.
func (c *Coordinator) UpdateStatus(s idle.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.offline {
		return
	}
	if !c.started {
		c.current = s
		return
	}
	if c.pending != nil {
		c.metrics.RecordCoalesced(context.Background())
	}
	c.pending = &s
	if c.batchTimer == nil {
		c.batchGen++
		gen := c.batchGen
		c.batchTimer = time.AfterFunc(c.cfg.BatchDelay, func() { c.batchFired(gen) })
	}
}

// Interval returns the heartbeat period currently in effect.
func (c *Coordinator) Interval() time.Duration {
	if c.live != nil && c.live.Active() {
		return c.cfg.HighFrequencyInterval
	}
	return c.cfg.LowFrequencyInterval
}

// Current returns the newest status, including one still pending.
func (c *Coordinator) Current() idle.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return *c.pending
	}
	return c.current
}

// Stats returns write counters.
func (c *Coordinator) Stats() Stats {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stats
}

// GoOffline cancels all timers, drops any pending change and synchronously
// writes an offline record. Nothing is written afterwards.
func (c *Coordinator) GoOffline(ctx context.Context) error {
	c.mu.Lock()
	if c.offline {
		c.mu.Unlock()
		return nil
	}
	c.offline = true
	c.cancelTimersLocked()
	c.pending = nil
	c.current = idle.Snapshot{Status: presence.Offline}
	c.mu.Unlock()

	if err := c.put(ctx, "offline"); err != nil {
		return fmt.Errorf("write offline record: %w", err)
	}
	slog.Info("presence set offline", "subject", c.subjectID)
	return nil
}

// Stop cancels all timers and the live-session subscription without
// writing anything.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.cancelTimersLocked()
	if c.unsubLive != nil {
		c.unsubLive()
		c.unsubLive = nil
	}
}

// ///////////////////////////////////////////////
// Timers
// ///////////////////////////////////////////////

func (c *Coordinator) armTickLocked() {
	if c.stopped || c.offline {
		return
	}
	if c.tickTimer != nil {
		c.tickTimer.Stop()
	}
	c.tickGen++
	gen := c.tickGen
	c.tickTimer = time.AfterFunc(c.Interval(), func() { c.tickFired(gen) })
}

func (c *Coordinator) cancelTimersLocked() {
	if c.tickTimer != nil {
		c.tickTimer.Stop()
		c.tickTimer = nil
	}
	if c.batchTimer != nil {
		c.batchTimer.Stop()
		c.batchTimer = nil
	}
	c.tickGen++
	c.batchGen++
}

func (c *Coordinator) liveChanged(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped || c.offline {
		return
	}
	slog.Debug("live session changed, rescheduling heartbeat", "live", active, "interval", c.Interval())
	c.armTickLocked()
}

func (c *Coordinator) tickFired(gen uint64) {
	c.mu.Lock()
	if gen != c.tickGen || c.stopped || c.offline {
		c.mu.Unlock()
		return
	}
	c.tickTimer = nil
	// A heartbeat carries the newest status, so it absorbs a pending batch.
	if c.pending != nil {
		c.current = *c.pending
		c.pending = nil
		if c.batchTimer != nil {
			c.batchTimer.Stop()
			c.batchTimer = nil
		}
		c.batchGen++
	}
	c.mu.Unlock()

	c.write("heartbeat")

	c.mu.Lock()
	if gen == c.tickGen {
		c.armTickLocked()
	}
	c.mu.Unlock()
}

func (c *Coordinator) batchFired(gen uint64) {
	c.mu.Lock()
	if gen != c.batchGen || c.stopped || c.offline {
		c.mu.Unlock()
		return
	}
	c.batchTimer = nil
	if c.pending == nil {
		c.mu.Unlock()
		return
	}
	c.current = *c.pending
	c.pending = nil
	c.mu.Unlock()

	c.write("status")
}

// ///////////////////////////////////////////////
// Writes
// ///////////////////////////////////////////////

// write performs a background write. Failures are logged and dropped; the
// next heartbeat is the retry.
func (c *Coordinator) write(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.put(ctx, reason); err != nil && !errors.Is(err, ErrStopped) {
		slog.Warn("presence write failed", "reason", reason, "subject", c.subjectID, "error", err)
	}
}

// put builds the record from the newest state under writeMu and stores it.
func (c *Coordinator) put(ctx context.Context, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.offline && reason != "offline" {
		c.mu.Unlock()
		return ErrStopped
	}
	snap := c.current
	c.mu.Unlock()

	seen := c.now().UnixMilli()
	if seen < c.lastSeen {
		seen = c.lastSeen
	}
	rec := presence.Record{
		SubjectID:  c.subjectID,
		Status:     snap.Status,
		LastSeen:   seen,
		IsAutoIdle: snap.AutoIdle && snap.Status == presence.Idle,
		SessionID:  c.sessionID,
	}

	start := time.Now()
	err := c.writer.Put(ctx, rec)
	c.metrics.RecordWrite(ctx, reason, err, time.Since(start))
	c.stats.Writes++
	if err != nil {
		c.stats.Failures++
		return err
	}
	c.lastSeen = seen
	slog.Debug("presence written", "reason", reason, "status", rec.Status, "auto_idle", rec.IsAutoIdle)
	return nil
}
