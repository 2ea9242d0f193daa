// Package coordinator drives drains of the operation queue from
// connectivity signals, explicit triggers, and a periodic wake.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/quinca-app/engine/internal/logging"
	syncpkg "github.com/quinca-app/engine/internal/sync"
	"github.com/quinca-app/engine/internal/sync/queue"
)

// State is the coordinator's drain state.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StateBackoff  State = "backoff"
)

// Observer receives drain outcomes. Notifications are fire-and-forget;
// observers must not block.
type Observer interface {
	// DrainCompleted is called after every drain attempt with the run
	// summary, whether the queue emptied or the run stopped early.
	DrainCompleted(result *syncpkg.DrainResult)

	// AuthRequired is called when a drain stopped because the remote
	// requires re-authentication.
	AuthRequired()
}

// Config holds coordinator timing knobs.
type Config struct {
	Debounce       time.Duration // coalesces trigger bursts
	MinRunInterval time.Duration // minimum spacing between drains
	WakeInterval   time.Duration // periodic wake when online
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:       250 * time.Millisecond,
		MinRunInterval: 700 * time.Millisecond,
		WakeInterval:   time.Minute,
	}
}

// Coordinator serializes drains: only one drain is ever active, and a
// trigger arriving mid-drain schedules at most one follow-up run.
type Coordinator struct {
	drainer syncpkg.Drainer
	queue   *queue.Queue
	cfg     Config

	// requests carries coalesced drain triggers; capacity 1 means a
	// trigger during a drain becomes exactly one follow-up run.
	requests chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu         sync.RWMutex
	state      State
	isRunning  bool
	isOnline   bool
	lastDrain  time.Time
	lastResult *syncpkg.DrainResult
	observers  []Observer
}

// New creates a Coordinator.
func New(drainer syncpkg.Drainer, q *queue.Queue, cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.MinRunInterval <= 0 {
		cfg.MinRunInterval = DefaultConfig().MinRunInterval
	}
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = DefaultConfig().WakeInterval
	}

	return &Coordinator{
		drainer:  drainer,
		queue:    q,
		cfg:      cfg,
		requests: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		state:    StateIdle,
		isOnline: true,
	}
}

// Subscribe registers an observer for drain outcomes.
func (c *Coordinator) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Start launches the coordinator loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)

	logging.Info("Sync coordinator started")
}

// Stop stops the coordinator at the next operation boundary. Pending
// operations are left intact for the next session.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	logging.Info("Sync coordinator stopped")
}

// TriggerSync requests a drain. Bursts are debounced; a request during
// an active drain is coalesced into a single follow-up run.
func (c *Coordinator) TriggerSync() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// NotifyOnline records the connectivity signal. The offline-to-online
// edge triggers a drain.
func (c *Coordinator) NotifyOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.isOnline
	c.isOnline = online
	c.mu.Unlock()

	if wasOnline != online {
		logging.Info("Connectivity changed",
			map[string]interface{}{"was_online": wasOnline, "is_online": online})
	}

	if !wasOnline && online {
		c.TriggerSync()
	}
}

// IsOnline returns the last known connectivity state.
func (c *Coordinator) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isOnline
}

// State returns the current drain state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// run is the single goroutine consuming triggers and wakes. The
// Draining state itself is the drain lock: no second drain can start
// while one runs, because this loop is the only place drains happen.
func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	wake := time.NewTicker(c.cfg.WakeInterval)
	defer wake.Stop()

	debounce := time.NewTimer(c.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	debouncing := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return

		case <-c.requests:
			// Coalesce bursts: restart the debounce window.
			if debouncing && !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(c.cfg.Debounce)
			debouncing = true

		case <-wake.C:
			if c.IsOnline() {
				c.TriggerSync()
			}

		case <-debounce.C:
			debouncing = false
			c.drain(ctx)
		}
	}
}

// drain executes one drain attempt, enforcing the minimum inter-run
// interval, and notifies observers with the result summary.
func (c *Coordinator) drain(ctx context.Context) {
	// Minimum spacing between runs prevents thrashing.
	c.mu.RLock()
	sinceLast := time.Since(c.lastDrain)
	c.mu.RUnlock()
	if wait := c.cfg.MinRunInterval - sinceLast; wait > 0 {
		select {
		case <-time.After(wait):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}

	c.setState(StateDraining)

	result, err := c.drainer.Drain(ctx)

	c.mu.Lock()
	c.lastDrain = time.Now()
	c.lastResult = result
	c.mu.Unlock()

	if err != nil {
		logging.Error("Drain failed", err)
	}

	pending, countErr := c.queue.Count(ctx)
	if countErr != nil {
		pending = 0
	}
	if pending > 0 {
		// Still blocked (offline, auth, or rejection budget); yield and
		// wait for the next trigger instead of busy-retrying.
		c.setState(StateBackoff)
	} else {
		c.setState(StateIdle)
	}

	if result != nil {
		logging.Info("Drain completed",
			map[string]interface{}{
				"attempted": result.Attempted,
				"succeeded": result.Succeeded,
				"failed":    result.Failed,
				"pending":   pending,
			})
		c.notify(result)
	}
}

// notify delivers the result summary to all observers.
func (c *Coordinator) notify(result *syncpkg.DrainResult) {
	c.mu.RLock()
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	for _, o := range observers {
		o.DrainCompleted(result)
		if result.AuthRequired {
			o.AuthRequired()
		}
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Status is a point-in-time snapshot for status reporting.
type Status struct {
	State        State                `json:"state"`
	IsOnline     bool                 `json:"is_online"`
	LastDrain    *time.Time           `json:"last_drain,omitempty"`
	Pending      int                  `json:"pending_operations"`
	DeadLettered int                  `json:"failed_operations"`
	SyncHealth   string               `json:"sync_health"`
	LastResult   *syncpkg.DrainResult `json:"last_result,omitempty"`
}

// Status reports the coordinator and queue state.
func (c *Coordinator) Status(ctx context.Context) Status {
	c.mu.RLock()
	status := Status{
		State:      c.state,
		IsOnline:   c.isOnline,
		LastResult: c.lastResult,
	}
	if !c.lastDrain.IsZero() {
		t := c.lastDrain
		status.LastDrain = &t
	}
	c.mu.RUnlock()

	stats, err := c.queue.Stats(ctx)
	if err == nil {
		status.Pending = stats["pending"]
		status.DeadLettered = stats["dead_letter"]
	}

	switch {
	case status.DeadLettered == 0:
		status.SyncHealth = "good"
	case status.DeadLettered < 10:
		status.SyncHealth = "issues"
	default:
		status.SyncHealth = "poor"
	}

	return status
}
