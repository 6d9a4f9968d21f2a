// Package engine detects available image updates and applies them by
// recreating containers, with bounded parallelism and rollback on
// failure.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/config"
	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/fleet"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
	"github.com/alexos-labs/watchtower-agent/internal/metrics"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

const (
	pullAttempts = 3
	backoffBase  = time.Second
	backoffCap   = 30 * time.Second

	applyQueueSize = 128
)

// Engine runs update check sweeps and the apply worker pool. Checks are
// paced by the update interval, or by a cron expression when one is
// configured; both a sweep and a single apply can also be triggered on
// demand.
type Engine struct {
	adapter  runtime.Adapter
	registry *fleet.Registry
	bus      *events.Bus
	cfg      *config.Config
	log      *logging.Logger
	clock    clock.Clock
	history  *History

	applyCh chan string
	checkCh chan struct{}

	mu        sync.Mutex
	lastCheck time.Time
}

// New creates an Engine. An invalid CHECK_SCHEDULE is rejected here so
// startup fails before any worker runs.
func New(adapter runtime.Adapter, registry *fleet.Registry, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) (*Engine, error) {
	if cfg.CheckSchedule != "" {
		if _, err := cron.ParseStandard(cfg.CheckSchedule); err != nil {
			return nil, faults.Wrap(faults.InvalidConfig, "CHECK_SCHEDULE", err)
		}
	}
	return &Engine{
		adapter:  adapter,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		clock:    clk,
		history:  NewHistory(cfg.HistoryLimit),
		applyCh:  make(chan string, applyQueueSize),
		checkCh:  make(chan struct{}, 1),
	}, nil
}

// History exposes the update attempt log.
func (e *Engine) History() *History { return e.history }

// LastCheck returns when the last check sweep completed.
func (e *Engine) LastCheck() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheck
}

// Run starts the apply workers and the check pacing loop, blocking
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	workers := e.cfg.MaxParallelUpdates
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.applyWorker(ctx)
		}()
	}

	var cronRunner *cron.Cron
	if e.cfg.CheckSchedule != "" {
		cronRunner = cron.New()
		// Validated in New.
		_, _ = cronRunner.AddFunc(e.cfg.CheckSchedule, e.TriggerCheck)
		cronRunner.Start()
		e.log.Info("engine started", "schedule", e.cfg.CheckSchedule, "workers", workers)
	} else {
		e.log.Info("engine started", "interval", e.cfg.UpdateInterval(), "workers", workers)
	}

	e.CheckAll(ctx)

	for {
		var tick <-chan time.Time
		if cronRunner == nil {
			tick = e.clock.After(e.cfg.UpdateInterval())
		}
		select {
		case <-ctx.Done():
			if cronRunner != nil {
				cronRunner.Stop()
			}
			wg.Wait()
			e.log.Info("engine stopped")
			return
		case <-tick:
		case <-e.checkCh:
		}
		e.CheckAll(ctx)
	}
}

// TriggerCheck requests an immediate check sweep. Never blocks.
func (e *Engine) TriggerCheck() {
	select {
	case e.checkCh <- struct{}{}:
	default:
	}
}

// CheckAll sweeps every monitored container for an available update,
// queueing applies for auto-update fleets.
func (e *Engine) CheckAll(ctx context.Context) {
	start := e.clock.Now()
	metrics.ChecksTotal.Inc()

	available := 0
	for _, rec := range e.registry.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if e.checkOne(ctx, rec) {
			available++
		}
	}

	total, running := e.registry.Counts()
	metrics.ContainersTotal.Set(float64(total))
	metrics.ContainersRunning.Set(float64(running))
	metrics.UpdatesAvailable.Set(float64(available))
	metrics.CheckDuration.Observe(e.clock.Since(start).Seconds())

	e.mu.Lock()
	e.lastCheck = e.clock.Now()
	e.mu.Unlock()
}

// checkOne checks a single container, returning whether an update is
// known to be available for it afterwards.
func (e *Engine) checkOne(ctx context.Context, rec fleet.Record) bool {
	id := rec.ID()

	if rec.State == fleet.StateUpdateAvailable {
		// Candidate already known; auto mode may have been switched on
		// since detection.
		if e.cfg.AutoUpdate() {
			_ = e.enqueue(id)
		}
		return true
	}
	if !rec.Updatable() || !rec.Details.Running {
		return false
	}

	if err := e.registry.SetState(id, fleet.StateChecking, ""); err != nil {
		return false
	}

	digest, err := e.adapter.Pull(ctx, rec.Details.ImageRef)
	if err != nil {
		if ctx.Err() != nil {
			_ = e.registry.SetState(id, fleet.StateIdle, "")
			return false
		}
		e.log.Warn("update check failed", "name", rec.Name(), "image", rec.Details.ImageRef, "error", err)
		_ = e.registry.SetState(id, fleet.StateFailed, err.Error())
		return false
	}

	if digest == "" || digest == rec.Details.ImageDigest {
		_ = e.registry.SetState(id, fleet.StateIdle, "")
		return false
	}

	e.registry.SetCandidate(id, digest)
	if err := e.registry.SetState(id, fleet.StateUpdateAvailable, ""); err != nil {
		return false
	}
	e.log.Info("update available", "name", rec.Name(), "image", rec.Details.ImageRef,
		"old_digest", rec.Details.ImageDigest, "new_digest", digest)
	e.bus.Emit(events.UpdateAvailable, id, events.UpdateAvailablePayload{
		Name:      rec.Name(),
		OldDigest: rec.Details.ImageDigest,
		NewDigest: digest,
	})

	if e.cfg.AutoUpdate() {
		_ = e.enqueue(id)
	}
	return true
}

// TriggerUpdate forces a check of one container and queues the apply
// when an update is available. Returns whether an apply was queued.
func (e *Engine) TriggerUpdate(ctx context.Context, id string) (bool, error) {
	rec, ok := e.registry.Get(id)
	if !ok {
		return false, faults.New(faults.NotFound, "no such container "+id)
	}
	switch rec.State {
	case fleet.StateUpdating:
		return false, faults.New(faults.Conflict, "container "+rec.Name()+" is already updating")
	case fleet.StateUpdateAvailable:
		return true, e.enqueue(id)
	}
	if !rec.Details.Running {
		return false, faults.New(faults.Conflict, "container "+rec.Name()+" is not running")
	}
	if e.checkOne(ctx, rec) {
		return true, e.enqueue(id)
	}
	if fresh, ok := e.registry.Get(id); ok && fresh.State == fleet.StateFailed {
		return false, faults.New(faults.RegistryUnreachable, fresh.LastError)
	}
	return false, nil
}

// Dismiss drops a detected update without applying it.
func (e *Engine) Dismiss(id string) error {
	rec, ok := e.registry.Get(id)
	if !ok {
		return faults.New(faults.NotFound, "no such container "+id)
	}
	if rec.State != fleet.StateUpdateAvailable {
		return faults.New(faults.Conflict, "container "+rec.Name()+" has no pending update")
	}
	return e.registry.SetState(id, fleet.StateIdle, "")
}

// enqueue puts a container on the apply queue.
func (e *Engine) enqueue(id string) error {
	select {
	case e.applyCh <- id:
		return nil
	default:
		return faults.New(faults.Conflict, "update queue is full")
	}
}

func (e *Engine) applyWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.applyCh:
			e.apply(ctx, id)
		}
	}
}

// apply performs one queued update. Duplicate queue entries fall out
// here: the state machine rejects a second updating transition.
func (e *Engine) apply(ctx context.Context, id string) {
	rec, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if err := e.registry.SetState(id, fleet.StateUpdating, ""); err != nil {
		e.log.Debug("skipping apply", "name", rec.Name(), "reason", err)
		return
	}
	// A sweep during the replace sees the old container gone and defers
	// its removal; settle that once the attempt ends. After a successful
	// replace the old record is already gone and this is a no-op.
	defer e.registry.SettleRemoval(id)

	start := e.clock.Now()
	e.log.Info("update started", "name", rec.Name(), "image", rec.Details.ImageRef)
	e.bus.Emit(events.UpdateStarted, id, events.UpdateAvailablePayload{
		Name:      rec.Name(),
		OldDigest: rec.Details.ImageDigest,
		NewDigest: rec.CandidateDigest,
	})

	actx, cancel := context.WithTimeout(ctx, e.cfg.UpdateTimeout)
	defer cancel()

	result := e.replace(actx, rec)
	duration := e.clock.Since(start)

	record := UpdateRecord{
		At:          e.clock.Now(),
		ContainerID: id,
		Name:        rec.Name(),
		ImageRef:    rec.Details.ImageRef,
		OldDigest:   rec.Details.ImageDigest,
		Duration:    duration,
	}

	if result.err == nil {
		record.Outcome = OutcomeApplied
		record.NewDigest = result.newDigest
		record.NewID = result.details.ID
		e.history.Add(record)
		metrics.UpdatesTotal.WithLabelValues(string(OutcomeApplied)).Inc()
		metrics.UpdateDuration.Observe(duration.Seconds())

		if err := e.registry.Replace(id, result.details); err != nil {
			e.log.Warn("record replace failed", "name", rec.Name(), "error", err)
		}
		e.log.Info("update complete", "name", rec.Name(), "new_id", result.details.ID, "duration", duration)
		// Emitted under the old id: that is the registry identity whose
		// update.available and update.started preceded this event. The
		// successor's daemon id rides in the payload.
		e.bus.Emit(events.UpdateApplied, id, events.UpdateAppliedPayload{
			Name:      rec.Name(),
			OldDigest: rec.Details.ImageDigest,
			NewDigest: result.newDigest,
			NewID:     result.details.ID,
		})

		if e.cfg.Cleanup() && rec.Details.ImageDigest != "" && rec.Details.ImageDigest != result.newDigest {
			if err := e.adapter.RemoveImage(context.WithoutCancel(actx), rec.Details.ImageDigest); err != nil {
				e.log.Warn("image cleanup failed", "image", rec.Details.ImageDigest, "error", err)
			} else {
				metrics.ImageCleanups.Inc()
			}
		}
		return
	}

	record.Outcome = OutcomeFailed
	record.RolledBack = result.rolledBack
	record.Error = result.err.Error()
	e.history.Add(record)
	metrics.UpdatesTotal.WithLabelValues(string(OutcomeFailed)).Inc()

	_ = e.registry.SetState(id, fleet.StateFailed, result.err.Error())
	e.log.Error("update failed", "name", rec.Name(), "rolled_back", result.rolledBack, "error", result.err)
	payload := events.UpdateFailedPayload{
		Name:       rec.Name(),
		Kind:       string(faults.KindOf(result.err)),
		Error:      result.err.Error(),
		RolledBack: result.rolledBack,
	}
	if result.rollbackErr != nil {
		payload.RollbackError = result.rollbackErr.Error()
	}
	e.bus.Emit(events.UpdateFailed, id, payload)
}

// replaceResult carries the outcome of a replace attempt. rollbackErr
// is set when a rollback was attempted and failed, meaning the
// container is down.
type replaceResult struct {
	details     runtime.Details
	newDigest   string
	rolledBack  bool
	rollbackErr error
	err         error
}

// replace swaps a container for one running the freshly pulled image.
// The old container is restored (at most once) when any step after its
// shutdown fails.
func (e *Engine) replace(ctx context.Context, rec fleet.Record) replaceResult {
	if rec.Fingerprint == "" {
		return replaceResult{err: faults.New(faults.ConfigNotReplicable,
			"no complete configuration snapshot for "+rec.Name())}
	}

	newDigest, err := e.pullWithRetry(ctx, rec.Details.ImageRef)
	if err != nil {
		// Nothing was touched yet; the old container keeps running.
		return replaceResult{err: err}
	}

	id := rec.ID()
	if err := e.adapter.Stop(ctx, id, e.cfg.StopGrace); err != nil {
		rbErr := e.adapter.Start(context.WithoutCancel(ctx), id)
		return replaceResult{rolledBack: rbErr == nil, rollbackErr: rbErr,
			err: faults.Wrap(faults.KindOf(err), "stop old container", err)}
	}
	if err := e.adapter.Remove(ctx, id, true); err != nil {
		rbErr := e.adapter.Start(context.WithoutCancel(ctx), id)
		return replaceResult{rolledBack: rbErr == nil, rollbackErr: rbErr,
			err: faults.Wrap(faults.KindOf(err), "remove old container", err)}
	}

	spec := recreateSpec(rec.Details, rec.Details.ImageRef)
	newID, err := e.adapter.Create(ctx, spec)
	if err != nil {
		rbErr := e.rollback(ctx, rec)
		return replaceResult{rolledBack: rbErr == nil, rollbackErr: rbErr, err: err}
	}
	if err := e.adapter.Start(ctx, newID); err != nil {
		_ = e.adapter.Remove(context.WithoutCancel(ctx), newID, true)
		rbErr := e.rollback(ctx, rec)
		return replaceResult{rolledBack: rbErr == nil, rollbackErr: rbErr, err: err}
	}

	details, err := e.adapter.Inspect(ctx, newID)
	if err != nil {
		return replaceResult{err: faults.Wrap(faults.KindOf(err), "inspect new container", err)}
	}
	if !details.Running {
		_ = e.adapter.Stop(context.WithoutCancel(ctx), newID, e.cfg.StopGrace)
		_ = e.adapter.Remove(context.WithoutCancel(ctx), newID, true)
		rbErr := e.rollback(ctx, rec)
		return replaceResult{rolledBack: rbErr == nil, rollbackErr: rbErr,
			err: faults.New(faults.Internal, "new container exited immediately")}
	}
	if details.ImageDigest == "" {
		details.ImageDigest = newDigest
	}

	return replaceResult{details: details, newDigest: newDigest}
}

// rollback recreates the old container from its snapshot, returning nil
// on success. The old image is still local, so this needs no registry
// access.
func (e *Engine) rollback(ctx context.Context, rec fleet.Record) error {
	ctx = context.WithoutCancel(ctx)
	spec := recreateSpec(rec.Details, rec.Details.ImageRef)
	oldID, err := e.adapter.Create(ctx, spec)
	if err != nil {
		e.log.Error("rollback create failed", "name", rec.Name(), "error", err)
		return faults.Wrap(faults.KindOf(err), "rollback create", err)
	}
	if err := e.adapter.Start(ctx, oldID); err != nil {
		e.log.Error("rollback start failed", "name", rec.Name(), "error", err)
		return faults.Wrap(faults.KindOf(err), "rollback start", err)
	}
	e.log.Info("rolled back", "name", rec.Name(), "id", oldID)
	return nil
}

// pullWithRetry pulls an image, retrying transient failures with
// exponential backoff.
func (e *Engine) pullWithRetry(ctx context.Context, imageRef string) (string, error) {
	delay := backoffBase
	for attempt := 1; ; attempt++ {
		digest, err := e.adapter.Pull(ctx, imageRef)
		if err == nil {
			return digest, nil
		}
		if attempt >= pullAttempts || !faults.Retryable(err) {
			return "", err
		}
		metrics.PullRetries.Inc()
		e.log.Warn("pull failed, retrying", "image", imageRef, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return "", faults.Wrap(faults.Timeout, "pull "+imageRef, ctx.Err())
		case <-e.clock.After(delay):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}

// recreateSpec builds the creation spec that reproduces a container's
// replicable configuration on a (possibly different) image.
func recreateSpec(d runtime.Details, imageRef string) runtime.CreateSpec {
	return runtime.CreateSpec{
		Name:          d.Name,
		ImageRef:      imageRef,
		Env:           d.Env,
		Cmd:           d.Cmd,
		Entrypoint:    d.Entrypoint,
		Binds:         d.Binds,
		Labels:        d.Labels,
		Ports:         d.Ports,
		ExposedPorts:  d.ExposedPorts,
		NetworkMode:   d.NetworkMode,
		RestartPolicy: d.RestartPolicy,
	}
}
