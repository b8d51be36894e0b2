// Package scheduler provides the sync orchestrator: the state machine
// that decides when the exposure and photo workers run.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jcortes/exposurelog/backend/internal/connectivity"
	"github.com/jcortes/exposurelog/backend/internal/logging"
	"github.com/jcortes/exposurelog/backend/internal/models"
	syncpkg "github.com/jcortes/exposurelog/backend/internal/sync"
	"github.com/jcortes/exposurelog/backend/internal/sync/queue"
)

// Orchestrator drives the two workers off four wakeup sources: a
// connectivity edge, new work entering the queue, the backoff timer
// expiring, and an explicit foreground poke from the UI. All drains run
// on one goroutine; at most one sync cycle is in flight at a time.
type Orchestrator struct {
	store     *queue.Store
	exposures *syncpkg.ExposureWorker
	photos    *syncpkg.PhotoWorker
	monitor   *connectivity.Monitor

	mu        sync.RWMutex
	state     models.SyncState
	subs      map[chan models.SyncState]struct{}
	isRunning bool

	pokeCh chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wakeMu    sync.Mutex
	wakeTimer *time.Timer
	wakeCh    chan struct{}
}

// NewOrchestrator creates the orchestrator. The initial state is read
// from the persisted queues so the pending badge is correct before any
// network activity.
func NewOrchestrator(store *queue.Store, exposures *syncpkg.ExposureWorker, photos *syncpkg.PhotoWorker, monitor *connectivity.Monitor) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		exposures: exposures,
		photos:    photos,
		monitor:   monitor,
		subs:      make(map[chan models.SyncState]struct{}),
		pokeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
	}
	o.state = models.SyncState{
		Connectivity: connectivityOf(monitor.Reachable()),
		Phase:        models.PhaseIdle,
	}
	return o
}

func connectivityOf(reachable bool) models.Connectivity {
	if reachable {
		return models.ConnectivityOnline
	}
	return models.ConnectivityOffline
}

// Start launches the orchestration loop. Crash recovery runs first so
// interrupted attempts are visible in the initial state.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return nil
	}
	o.isRunning = true
	o.mu.Unlock()

	if err := o.store.Recover(); err != nil {
		return err
	}
	o.refreshState(models.PhaseIdle)

	// Own cancellation so Stop can interrupt a drain parked on an
	// auth refresh
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go o.loop(loopCtx)

	logging.Info("sync orchestrator started", map[string]interface{}{
		"online": o.monitor.Reachable(),
	})
	return nil
}

// Stop shuts the loop down and waits for any in-flight drain to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = false
	o.mu.Unlock()

	close(o.stopCh)
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.wakeMu.Lock()
	if o.wakeTimer != nil {
		o.wakeTimer.Stop()
	}
	o.wakeMu.Unlock()

	o.mu.Lock()
	for ch := range o.subs {
		delete(o.subs, ch)
		close(ch)
	}
	o.mu.Unlock()

	logging.Info("sync orchestrator stopped", nil)
}

// State returns the current sync state snapshot.
func (o *Orchestrator) State() models.SyncState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Subscribe registers for state broadcasts. The current state arrives
// immediately so late subscribers need no separate priming read.
func (o *Orchestrator) Subscribe() chan models.SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan models.SyncState, 16)
	o.subs[ch] = struct{}{}
	ch <- o.state
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (o *Orchestrator) Unsubscribe(ch chan models.SyncState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.subs[ch]; ok {
		delete(o.subs, ch)
		close(ch)
	}
}

// Poke requests a sync cycle outside the normal wakeup sources, e.g.
// when the app returns to the foreground.
func (o *Orchestrator) Poke() {
	select {
	case o.pokeCh <- struct{}{}:
	default:
	}
}

// RetryNow resets failed and errored entries and schedules a cycle.
func (o *Orchestrator) RetryNow() (int, error) {
	reset, err := o.store.RetryAll()
	if err != nil {
		return 0, err
	}
	o.Poke()
	return reset, nil
}

// loop is the single orchestration goroutine.
func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	edges := o.monitor.Subscribe()
	defer o.monitor.Unsubscribe(edges)

	// Work queued while the device was dead gets a first shot
	if o.monitor.Reachable() {
		o.runCycle(ctx)
	}

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return

		case edge, ok := <-edges:
			if !ok {
				return
			}
			o.refreshState(o.phase())
			if edge.Online() {
				logging.Info("connectivity restored, sync starting", nil)
				o.runCycle(ctx)
			}

		case <-o.store.Notify():
			o.runCycle(ctx)

		case <-o.wakeCh:
			o.runCycle(ctx)

		case <-o.pokeCh:
			o.runCycle(ctx)
		}
	}
}

// runCycle drains both queues once and schedules the next backoff
// wakeup. Offline cycles only refresh the published counts.
func (o *Orchestrator) runCycle(ctx context.Context) {
	if !o.monitor.Reachable() {
		o.refreshState(models.PhaseIdle)
		return
	}

	o.refreshState(models.PhaseSyncing)

	expResult, err := o.exposures.Drain(ctx)
	if err != nil {
		logging.Error("exposure drain failed", err, nil)
	}

	photoResult, err := o.photos.Drain(ctx)
	if err != nil {
		logging.Error("photo drain failed", err, nil)
	}

	// Newly synced exposures unblock their photos within the same
	// cycle rather than waiting for the next wakeup
	if expResult.Synced > 0 && photoResult.Skipped > 0 {
		if again, err := o.photos.Drain(ctx); err == nil {
			photoResult.Uploaded += again.Uploaded
			photoResult.Errored += again.Errored
			photoResult.Blocked = photoResult.Blocked || again.Blocked
		}
	}

	o.refreshState(models.PhaseIdle)
	o.scheduleWakeup()
}

// scheduleWakeup arms the single backoff timer at the earliest
// next_attempt_at across both queues. Re-arming replaces any earlier
// timer, so exactly one wakeup is ever outstanding.
func (o *Orchestrator) scheduleWakeup() {
	wakeAt, err := o.store.EarliestWakeup()
	if err != nil {
		logging.Error("failed to read backoff wakeup", err, nil)
		return
	}
	if wakeAt == 0 {
		return
	}

	delay := time.Until(time.Unix(wakeAt, 0))
	if delay < 0 {
		delay = 0
	}

	o.wakeMu.Lock()
	defer o.wakeMu.Unlock()

	if o.wakeTimer != nil {
		o.wakeTimer.Stop()
	}
	o.wakeTimer = time.AfterFunc(delay, func() {
		select {
		case o.wakeCh <- struct{}{}:
		default:
		}
	})
}

func (o *Orchestrator) phase() models.Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Phase
}

// refreshState recomputes the published snapshot from the persisted
// queues and broadcasts it when anything changed.
func (o *Orchestrator) refreshState(phase models.Phase) {
	pendingExposures, pendingPhotos, failedExposures, erroredPhotos, err := o.store.Counts()
	if err != nil {
		logging.Error("failed to read queue counts", err, nil)
		return
	}

	next := models.SyncState{
		Connectivity:         connectivityOf(o.monitor.Reachable()),
		Phase:                phase,
		PendingExposureCount: pendingExposures,
		PendingPhotoCount:    pendingPhotos,
		FailedExposureCount:  failedExposures,
		ErroredPhotoCount:    erroredPhotos,
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if next == o.state {
		return
	}
	o.state = next

	for ch := range o.subs {
		select {
		case ch <- next:
		default:
			logging.Warn("sync state subscriber lagging, dropping update", nil)
		}
	}
}
