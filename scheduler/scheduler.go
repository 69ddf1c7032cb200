// Package scheduler drives periodic background maintenance against the
// challenge store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/linecaptcha/lineserver/logger"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/worker"
)

// Scheduler periodically submits a TTL-expiry sweep of the challenge store
// to the WorkerPool.
//
// Architecture:
//   - Start spawns a control goroutine that wakes on interval and submits a
//     prune job to the WorkerPool. The prune itself runs on a pool worker so
//     a slow store never stalls the ticking goroutine.
//   - A stop channel allows clean shutdown: calling Stop closes the channel,
//     which causes the control goroutine to exit after its current wait.
//   - The design is intentionally decoupled: Scheduler does not know how
//     pruning works beyond calling store.PruneExpired; it only knows how to
//     fan that work out on a schedule.
type Scheduler struct {
	store      store.Store
	workerPool *worker.WorkerPool
	logger     *logger.Logger
	interval   time.Duration
	stopCh     chan struct{}
	once       sync.Once
}

// NewScheduler creates a Scheduler that prunes s on interval, submitting the
// work to wp.
func NewScheduler(s store.Store, wp *worker.WorkerPool, log *logger.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:      s,
		workerPool: wp,
		logger:     log,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic sweep. Start is non-blocking: the control
// goroutine runs in the background until Stop is called.
func (sc *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sc.stopCh:
				return
			case <-ticker.C:
				sc.dispatchPrune()
			}
		}
	}()
}

// dispatchPrune submits a single prune job to the worker pool. TrySubmit is
// used rather than Submit: if the pool is saturated, skipping one sweep is
// harmless since the next tick will catch the same expired records.
func (sc *Scheduler) dispatchPrune() {
	sc.workerPool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := sc.store.PruneExpired(ctx, time.Now())
		if err != nil {
			sc.logger.Errorf("scheduler: prune expired challenges: %v", err)
			return
		}
		if removed > 0 {
			sc.logger.Infof("scheduler: pruned %d expired challenges", removed)
		}
	})
}

// Stop signals the Scheduler to stop dispatching new sweeps. It does not
// wait for an in-flight sweep to complete; call WorkerPool.Stop for that.
// Stop is idempotent.
func (sc *Scheduler) Stop() {
	sc.once.Do(func() {
		close(sc.stopCh)
	})
}
