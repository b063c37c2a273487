// Package shutdown runs best-effort cleanup before the process terminates.
//
// A single [Coordinator] is built in main and handed to every component
// that needs cleanup. Components register named tasks; [Coordinator.ExecuteAll]
// runs them all once, in parallel, each isolated from the others' failures,
// and then acknowledges completion to the host whether or not every task
// finished before the deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds how long ExecuteAll waits for tasks before it
// acknowledges the host anyway.
const DefaultTimeout = 4 * time.Second

// ErrTimeout is recorded for tasks still running when the deadline expires.
var ErrTimeout = errors.New("cleanup task timed out")

// Task is a cleanup function. It should return promptly once ctx is done.
type Task func(ctx context.Context) error

// TaskResult is the outcome of one task.
type TaskResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Result is the outcome of one ExecuteAll run.
type Result struct {
	Results  []TaskResult
	TimedOut bool
	Duration time.Duration
}

// Failed reports whether any task returned an error, panicked or timed out.
func (r *Result) Failed() bool {
	for _, tr := range r.Results {
		if tr.Err != nil {
			return true
		}
	}
	return false
}

// FailedTasks returns the names of failed tasks.
func (r *Result) FailedTasks() []string {
	var names []string
	for _, tr := range r.Results {
		if tr.Err != nil {
			names = append(names, tr.Name)
		}
	}
	return names
}

// Observer is notified of each task outcome. Used for metrics.
type Observer func(TaskResult)

type registration struct {
	id   uint64
	name string
	task Task
}

// Coordinator is the process-wide cleanup registry.
type Coordinator struct {
	timeout time.Duration

	mu       sync.Mutex
	nextID   uint64
	tasks    []registration
	ack      func()
	observer Observer

	once   sync.Once
	done   chan struct{}
	result *Result
}

// NewCoordinator returns a Coordinator that waits at most timeout for tasks.
// A non-positive timeout selects [DefaultTimeout].
func NewCoordinator(timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{timeout: timeout, done: make(chan struct{})}
}

// Register adds a cleanup task and returns a function that removes it.
// The returned function may be called any number of times.
func (c *Coordinator) Register(name string, task Task) (unregister func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.tasks = append(c.tasks, registration{id: id, name: name, task: task})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, r := range c.tasks {
				if r.id == id {
					c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
					return
				}
			}
		})
	}
}

// SetAcknowledger sets the function called once all tasks have settled or
// the deadline has passed. It is how the host learns it may terminate.
func (c *Coordinator) SetAcknowledger(ack func()) {
	c.mu.Lock()
	c.ack = ack
	c.mu.Unlock()
}

// SetObserver sets a callback invoked for every task outcome.
func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// Len returns the number of registered tasks.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Done is closed after the first ExecuteAll has acknowledged.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// ExecuteAll runs every registered task exactly once. Later calls block
// until the first run completes and return its result.
func (c *Coordinator) ExecuteAll(ctx context.Context) *Result {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result
}

// ///////////////////////////////////////////////
// Execution
// ///////////////////////////////////////////////

func (c *Coordinator) run(parent context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	tasks := make([]registration, len(c.tasks))
	copy(tasks, c.tasks)
	ack := c.ack
	observer := c.observer
	c.mu.Unlock()

	slog.Info("running cleanup tasks", "count", len(tasks), "timeout", c.timeout)

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	results := make([]TaskResult, len(tasks))
	finished := make([]bool, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, reg := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := runTask(ctx, reg)
			mu.Lock()
			results[i] = tr
			finished[i] = true
			mu.Unlock()
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	timedOut := false
	select {
	case <-allDone:
	case <-ctx.Done():
		timedOut = true
	}

	res := &Result{TimedOut: timedOut}
	mu.Lock()
	for i, reg := range tasks {
		if !finished[i] {
			results[i] = TaskResult{Name: reg.name, Err: ErrTimeout, Duration: time.Since(start)}
		}
		res.Results = append(res.Results, results[i])
	}
	mu.Unlock()
	res.Duration = time.Since(start)

	for _, tr := range res.Results {
		if tr.Err != nil {
			slog.Warn("cleanup task failed", "task", tr.Name, "error", tr.Err, "duration", tr.Duration)
		} else {
			slog.Debug("cleanup task finished", "task", tr.Name, "duration", tr.Duration)
		}
		if observer != nil {
			observer(tr)
		}
	}

	if ack != nil {
		ack()
	}
	slog.Info("cleanup complete", "failed", len(res.FailedTasks()), "timed_out", timedOut, "duration", res.Duration)
	return res
}

// runTask calls one task, converting a panic into an error.
func runTask(ctx context.Context, reg registration) (tr TaskResult) {
	start := time.Now()
	tr.Name = reg.name
	defer func() {
		if p := recover(); p != nil {
			tr.Err = fmt.Errorf("panic: %v", p)
		}
		tr.Duration = time.Since(start)
	}()
	tr.Err = reg.task(ctx)
	return tr
}
