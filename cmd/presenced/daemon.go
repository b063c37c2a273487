package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"tools.zach/dev/presenced/internal/activity"
	"tools.zach/dev/presenced/internal/config"
	"tools.zach/dev/presenced/internal/heartbeat"
	"tools.zach/dev/presenced/internal/hostipc"
	"tools.zach/dev/presenced/internal/idle"
	"tools.zach/dev/presenced/internal/livesession"
	"tools.zach/dev/presenced/internal/logger"
	"tools.zach/dev/presenced/internal/presence"
	"tools.zach/dev/presenced/internal/shutdown"
	"tools.zach/dev/presenced/internal/telemetry"
)

// ///////////////////////////////////////////////
// Daemon Wiring
// ///////////////////////////////////////////////

// offlineTask is the cleanup task that writes the final offline record.
const offlineTask = "presence-offline"

// daemon connects host input to the presence record:
//
//	host ipc -> activity monitor -> idle machine -> heartbeat -> store
//
// and runs the shutdown coordinator when the host or the OS asks it to stop.
type daemon struct {
	cfg     *config.Config
	metrics *telemetry.Instruments

	live    *livesession.Flag
	monitor *activity.Monitor
	machine *idle.Machine
	beat    *heartbeat.Coordinator
	cleanup *shutdown.Coordinator
	server  *hostipc.Server

	quit     chan struct{}
	quitOnce sync.Once
}

// newDaemon builds every component. Nothing runs until start.
func newDaemon(cfg *config.Config, w heartbeat.Writer, metrics *telemetry.Instruments) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		metrics: metrics,
		live:    livesession.New(),
		monitor: activity.NewMonitor(activity.DefaultTick),
		cleanup: shutdown.NewCoordinator(cfg.Shutdown.Timeout()),
		quit:    make(chan struct{}),
	}

	d.machine = idle.New(idle.Config{
		IdleTimeout:    cfg.Presence.IdleTimeout(),
		MinimizedDelay: cfg.Presence.MinimizedIdleDelay(),
		InitialStatus:  presence.Online,
	}, d.live)

	beat, err := heartbeat.New(w, cfg.Subject.ID, d.live, heartbeat.Config{
		HighFrequencyInterval: cfg.Heartbeat.HighFrequencyInterval(),
		LowFrequencyInterval:  cfg.Heartbeat.LowFrequencyInterval(),
		BatchDelay:            cfg.Presence.BatchDelay(),
		WriteTimeout:          cfg.Heartbeat.WriteTimeout(),
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("create heartbeat: %w", err)
	}
	d.beat = beat

	d.monitor.Subscribe(d.machine.Activity, d.machine.HandleWindowState)
	d.machine.OnChange(func(s idle.Snapshot) {
		d.metrics.RecordTransition(context.Background(), string(s.Status), s.AutoIdle)
		d.beat.UpdateStatus(s)
	})

	d.server = hostipc.NewServer(d, hostipc.ReadyData{
		SubjectID: cfg.Subject.ID,
		SessionID: beat.SessionID(),
	})
	d.cleanup.Register(offlineTask, d.beat.GoOffline)
	d.cleanup.SetObserver(func(tr shutdown.TaskResult) {
		d.metrics.RecordCleanup(context.Background(), tr.Name, tr.Err)
	})
	d.cleanup.SetAcknowledger(d.server.NotifyCleanupComplete)
	return d, nil
}

// start arms the idle timer and writes the first heartbeat.
func (d *daemon) start() error {
	d.machine.Start()
	if err := d.beat.Start(d.machine.Snapshot()); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	return nil
}

// run serves hosts on ln until a signal, a host BEFORE_QUIT, or a listener
// failure, then shuts down.
func (d *daemon) run(ctx context.Context, ln net.Listener, signals <-chan os.Signal) *shutdown.Result {
	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ctx, ln) }()

	select {
	case sig := <-signals:
		slog.Info("received shutdown signal", "signal", sig.String())
	case <-d.quit:
		slog.Info("host requested shutdown")
	case err := <-serveErr:
		if err != nil {
			slog.Error("host ipc server stopped", "error", err)
		}
	case <-ctx.Done():
	}
	return d.stop()
}

// stop runs every cleanup task once, acknowledges connected hosts, and then
// tears the pipeline down.
func (d *daemon) stop() *shutdown.Result {
	res := d.cleanup.ExecuteAll(context.Background())
	d.machine.Stop()
	d.monitor.Close()
	d.beat.Stop()
	if err := d.server.Close(); err != nil {
		slog.Debug("closing host ipc server", "error", err)
	}
	stats := d.beat.Stats()
	slog.Info("presenced stopped", "writes", stats.Writes, "write_failures", stats.Failures, "cleanup_failed", res.FailedTasks())
	return res
}

func (d *daemon) requestQuit() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// ///////////////////////////////////////////////
// Host Events
// ///////////////////////////////////////////////

// Activity implements [hostipc.Handler].
func (d *daemon) Activity(kind activity.InputKind) {
	logger.Trace(slog.Default(), "host input", "kind", kind.String())
	d.monitor.Input(kind)
}

// WindowState implements [hostipc.Handler].
func (d *daemon) WindowState(state activity.WindowState) {
	slog.Debug("window state", "state", state.String())
	d.monitor.WindowState(state)
}

// SetStatus implements [hostipc.Handler].
func (d *daemon) SetStatus(status presence.Status) error {
	return d.machine.SetManualStatus(status)
}

// SetLiveSession implements [hostipc.Handler].
func (d *daemon) SetLiveSession(active bool) {
	slog.Info("live session changed", "active", active)
	d.live.Set(active)
}

// SetIdleTimeout implements [hostipc.Handler].
func (d *daemon) SetIdleTimeout(timeout time.Duration) {
	d.machine.SetIdleTimeout(timeout)
	slog.Info("idle timeout changed", "timeout", d.machine.IdleTimeout())
}

// Status implements [hostipc.Handler].
func (d *daemon) Status() hostipc.StatusData {
	s := d.beat.Current()
	return hostipc.StatusData{
		SubjectID:     d.cfg.Subject.ID,
		Status:        string(s.Status),
		AutoIdle:      s.AutoIdle,
		Live:          d.live.Active(),
		IdleTimeoutMS: d.machine.IdleTimeout().Milliseconds(),
	}
}

// BeforeQuit implements [hostipc.Handler].
func (d *daemon) BeforeQuit() {
	d.requestQuit()
}
