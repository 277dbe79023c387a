package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"converge/pkg/logging"
)

var (
	// ErrTargetExists is returned when registering a name already in use.
	ErrTargetExists = errors.New("target already registered")

	// ErrTargetNotFound is returned for operations on unknown targets.
	ErrTargetNotFound = errors.New("target not registered")
)

// SchedulerConfig holds configuration for the Scheduler.
type SchedulerConfig struct {
	// WorkerCount is the number of concurrent reconciliation workers.
	// Distinct targets reconcile in parallel; a single target never does.
	// Defaults to 2 if not specified.
	WorkerCount int

	// DefaultInterval is the reconciliation interval for targets that do
	// not declare one. Defaults to 3 minutes.
	DefaultInterval time.Duration

	// FetchTimeout bounds the fetch phase of a run. Defaults to 1 minute.
	FetchTimeout time.Duration

	// ObserveTimeout bounds the observe phase. Defaults to 30 seconds.
	ObserveTimeout time.Duration

	// SyncTimeout bounds the sync phase. Defaults to 5 minutes.
	SyncTimeout time.Duration

	// BaseBackoff is the initial backoff after a failed run. Defaults to
	// 2 seconds.
	BaseBackoff time.Duration

	// MaxBackoff caps the failure backoff. Defaults to 3 minutes.
	MaxBackoff time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 3 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Minute
	}
	if c.ObserveTimeout <= 0 {
		c.ObserveTimeout = 30 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 3 * time.Minute
	}
	return c
}

// Scheduler drives the reconciliation loop for every registered target.
//
// It owns the work queue, the worker pool, and the per-target state. The
// queue's processing/dirty discipline guarantees at most one active run per
// target at any time, with re-triggers coalesced into a single pending
// re-run. Snapshots, diffs and plans are run-local values; the state map is
// the only shared mutable structure and is published only at well-defined
// points.
type Scheduler struct {
	mu sync.RWMutex

	config SchedulerConfig

	fetcher  *Fetcher
	observer *Observer
	executor *Executor

	// targets holds the registered targets by name
	targets map[string]Target

	// states tracks the reconciliation state per target
	states map[string]*TargetState

	// knownGVKs remembers the kinds ever applied per target, so the
	// observer can see orphaned objects of kinds no longer declared
	knownGVKs map[string]map[schema.GroupVersionKind]bool

	// running holds the cancel func of each in-flight run, keyed by target
	running map[string]context.CancelFunc

	queue   *delayedQueue
	metrics *Metrics

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// NewScheduler creates a Scheduler over the given collaborators.
func NewScheduler(config SchedulerConfig, source Source, cluster Cluster) *Scheduler {
	return &Scheduler{
		config:    config.withDefaults(),
		fetcher:   NewFetcher(source),
		observer:  NewObserver(cluster),
		executor:  NewExecutor(cluster),
		targets:   make(map[string]Target),
		states:    make(map[string]*TargetState),
		knownGVKs: make(map[string]map[schema.GroupVersionKind]bool),
		running:   make(map[string]context.CancelFunc),
		queue:     newDelayedQueue(),
		metrics:   NewMetrics(),
	}
}

// Start launches the worker pool. Targets registered beforehand are
// scheduled immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancelFunc = context.WithCancel(ctx)
	s.started = true
	initial := make([]string, 0, len(s.targets))
	for name := range s.targets {
		initial = append(initial, name)
	}
	s.mu.Unlock()

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	for _, name := range initial {
		s.queue.Add(SyncRequest{Target: name, Reason: "startup", Attempt: 1})
	}

	logging.Info("Scheduler", "Started with %d workers, %d targets", s.config.WorkerCount, len(initial))
	return nil
}

// Stop shuts down the scheduler, cancelling in-flight runs and draining
// workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	logging.Info("Scheduler", "Stopping...")
	s.cancelFunc()
	s.queue.Shutdown()
	s.wg.Wait()
	logging.Info("Scheduler", "Stopped")
}

// AddTarget registers a target and triggers its first reconciliation.
func (s *Scheduler) AddTarget(target Target) error {
	if err := validateTarget(target); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.targets[target.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTargetExists, target.Name)
	}
	s.targets[target.Name] = target
	s.states[target.Name] = &TargetState{
		Target:         target.Name,
		Phase:          PhaseIdle,
		LastTransition: time.Now(),
	}
	started := s.started
	s.mu.Unlock()

	logging.Info("Scheduler", "Registered target %s (%s@%s path=%s)",
		target.Name, target.RepoURL, target.Revision, target.Path)

	if started {
		s.queue.Add(SyncRequest{Target: target.Name, Reason: "registered", Attempt: 1})
	}
	return nil
}

// UpdateTarget replaces the desired fields of a registered target. The
// source+destination identity must not change; only revision, path, interval
// and policy may. An update triggers an immediate reconciliation.
func (s *Scheduler) UpdateTarget(target Target) error {
	if err := validateTarget(target); err != nil {
		return err
	}

	s.mu.Lock()
	existing, exists := s.targets[target.Name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTargetNotFound, target.Name)
	}
	if existing.RepoURL != target.RepoURL || existing.Destination != target.Destination {
		s.mu.Unlock()
		return fmt.Errorf("target %q identity (source, destination) is immutable", target.Name)
	}
	s.targets[target.Name] = target
	// Supersede an in-flight run; it cancels cooperatively at the next
	// suspension point and the re-run picks up the new revision.
	if cancel, ok := s.running[target.Name]; ok {
		cancel()
	}
	s.mu.Unlock()

	s.queue.Add(SyncRequest{Target: target.Name, Reason: "updated", Attempt: 1})
	return nil
}

// RemoveTarget deregisters a target, cancelling any in-flight run and
// dropping pending requests. Live objects are left untouched.
func (s *Scheduler) RemoveTarget(name string) error {
	s.mu.Lock()
	if _, exists := s.targets[name]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTargetNotFound, name)
	}
	delete(s.targets, name)
	delete(s.states, name)
	delete(s.knownGVKs, name)
	if cancel, ok := s.running[name]; ok {
		cancel()
	}
	s.mu.Unlock()

	s.queue.Forget(name)
	logging.Info("Scheduler", "Deregistered target %s", name)
	return nil
}

// RequestSync triggers reconciliation of a target out of band (webhook,
// CLI, detected drift). Requests for a target mid-run coalesce.
func (s *Scheduler) RequestSync(name, reason string) error {
	s.mu.RLock()
	_, exists := s.targets[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %q", ErrTargetNotFound, name)
	}

	logging.Debug("Scheduler", "Sync requested for %s (reason: %s)", name, reason)
	s.queue.Add(SyncRequest{Target: name, Reason: reason, Attempt: 1})
	return nil
}

// GetState returns the reconciliation state of a target.
func (s *Scheduler) GetState(name string) (TargetState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[name]
	if !ok {
		return TargetState{}, false
	}
	return *state, true
}

// ListStates returns the states of all registered targets, sorted by name.
func (s *Scheduler) ListStates() []TargetState {
	s.mu.RLock()
	out := make([]TargetState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, *state)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// GetTarget returns a registered target by name.
func (s *Scheduler) GetTarget(name string) (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[name]
	return t, ok
}

// ListTargets returns all registered targets, sorted by name.
func (s *Scheduler) ListTargets() []Target {
	s.mu.RLock()
	out := make([]Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Metrics returns the scheduler's metrics collector.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// QueueLength returns the number of pending requests.
func (s *Scheduler) QueueLength() int {
	return s.queue.Len()
}

// worker processes reconciliation requests from the queue.
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	logging.Debug("Scheduler", "Worker %d started", id)

	for {
		req, ok := s.queue.Get(s.ctx)
		if !ok {
			logging.Debug("Scheduler", "Worker %d shutting down", id)
			return
		}

		s.processRequest(req)
		s.queue.Done(req)
	}
}

// processRequest runs one reconciliation and schedules the follow-up: the
// next interval tick on success, a backoff retry on failure.
func (s *Scheduler) processRequest(req SyncRequest) {
	s.mu.Lock()
	target, ok := s.targets[req.Target]
	if !ok {
		// Deregistered while queued.
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	s.running[req.Target] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, req.Target)
		s.mu.Unlock()
	}()

	if req.Attempt < 1 {
		req.Attempt = 1
	}
	s.metrics.RecordRunAttempt(target.Name)
	logging.Debug("Scheduler", "Reconciling %s (reason: %s, attempt %d)", target.Name, req.Reason, req.Attempt)

	err := s.runOnce(runCtx, target)

	switch {
	case runCtx.Err() != nil && s.ctx.Err() == nil && err != nil:
		// Superseded or deregistered mid-run; the dirty re-run (if any)
		// restarts cleanly.
		logging.Info("Scheduler", "Run for %s aborted: %v", target.Name, err)
		s.setPhase(target.Name, PhaseWaiting)

	case err != nil:
		s.metrics.RecordRunFailure(target.Name)
		backoff := s.failureBackoff(req.Attempt)
		s.recordFailure(target.Name, err, backoff)
		logging.Warn("Scheduler", "Reconciliation of %s failed (%s), retrying in %v: %v",
			target.Name, KindOf(err), backoff, err)
		s.queue.AddAfter(SyncRequest{Target: target.Name, Reason: "retry", Attempt: req.Attempt + 1}, backoff)

	default:
		s.metrics.RecordRunSuccess(target.Name)
		interval := target.Interval
		if interval <= 0 {
			interval = s.config.DefaultInterval
		}
		s.recordSuccess(target.Name, interval)
		s.queue.AddAfter(SyncRequest{Target: target.Name, Reason: "interval", Attempt: 1}, interval)
	}
}

// runOnce executes one full reconciliation: fetch, observe, diff, plan,
// execute. Each phase carries its own timeout; exceeding it cancels that
// phase only and surfaces a phase-specific error.
func (s *Scheduler) runOnce(ctx context.Context, target Target) error {
	s.setPhase(target.Name, PhaseFetching)
	fetchCtx, cancelFetch := context.WithTimeout(ctx, s.config.FetchTimeout)
	desired, err := s.fetcher.Fetch(fetchCtx, target)
	cancelFetch()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	// Manifests may omit metadata.namespace; the destination fills it in
	// on apply. Normalizing up front keeps desired and live identities
	// aligned, otherwise such objects would diff as drifted forever.
	NormalizeNamespaces(desired, target.Destination)

	s.setPhase(target.Name, PhaseDiffing)
	observeCtx, cancelObserve := context.WithTimeout(ctx, s.config.ObserveTimeout)
	live, err := s.observer.Observe(observeCtx, target, s.observedGVKs(target.Name, desired))
	cancelObserve()
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	diff := ComputeDiff(desired, live, target.Policy.IgnoreRules)
	plan := BuildPlan(diff, target.Policy)

	if plan.Noop {
		result := SyncResult{
			Target:     target.Name,
			Revision:   desired.Revision,
			DiffHash:   plan.DiffHash,
			Status:     PlanNoop,
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
		}
		s.metrics.RecordNoop(target.Name)
		s.publishResult(target.Name, result)
		logging.Debug("Scheduler", "Target %s in sync at %s", target.Name, desired.Revision)
		return nil
	}

	s.setPhase(target.Name, PhaseSyncing)
	logging.Info("Scheduler", "Syncing %s to %s: %d operations in %d waves",
		target.Name, desired.Revision, plan.OperationCount(), len(plan.Waves))

	syncCtx, cancelSync := context.WithTimeout(ctx, s.config.SyncTimeout)
	result := s.executor.Execute(syncCtx, target, plan)
	syncErr := syncCtx.Err()
	cancelSync()

	s.rememberGVKs(target.Name, desired)
	s.publishResult(target.Name, result)

	switch result.Status {
	case PlanSucceeded, PlanNoop:
		return nil
	case PlanAborted:
		if errors.Is(syncErr, context.DeadlineExceeded) {
			return Errorf(KindDestinationUnreachable, "sync did not finish within %v", s.config.SyncTimeout)
		}
		return Errorf(KindApplyRejected, "run aborted: %v", syncErr)
	default:
		return firstOperationError(result)
	}
}

// observedGVKs returns the kinds the observer should query: everything the
// desired snapshot declares plus every kind previously applied for the
// target, so prunes of dropped kinds remain visible.
func (s *Scheduler) observedGVKs(name string, desired *DesiredStateSnapshot) []schema.GroupVersionKind {
	set := make(map[schema.GroupVersionKind]bool)
	for _, obj := range desired.Objects {
		set[obj.GroupVersionKind()] = true
	}
	s.mu.RLock()
	for gvk := range s.knownGVKs[name] {
		set[gvk] = true
	}
	s.mu.RUnlock()

	out := make([]schema.GroupVersionKind, 0, len(set))
	for gvk := range set {
		out = append(out, gvk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (s *Scheduler) rememberGVKs(name string, desired *DesiredStateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.knownGVKs[name]
	if !ok {
		set = make(map[schema.GroupVersionKind]bool)
		s.knownGVKs[name] = set
	}
	for _, obj := range desired.Objects {
		set[obj.GroupVersionKind()] = true
	}
}

func (s *Scheduler) setPhase(name string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[name]; ok {
		state.Phase = phase
		state.LastTransition = time.Now()
	}
}

// publishResult records a finished run's result. Results are only published
// once the run is terminal, so observers never see a half-updated state.
func (s *Scheduler) publishResult(name string, result SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[name]
	if !ok {
		return
	}
	state.LastResult = &result
	if result.Status == PlanSucceeded || result.Status == PlanNoop {
		state.SyncedRevision = result.Revision
	}
}

func (s *Scheduler) recordSuccess(name string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[name]; ok {
		state.Phase = PhaseIdle
		state.ConsecutiveFailures = 0
		state.LastError = ""
		state.LastErrorKind = ""
		state.NextEligible = time.Now().Add(interval)
		state.LastTransition = time.Now()
	}
}

func (s *Scheduler) recordFailure(name string, err error, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[name]; ok {
		state.Phase = PhaseError
		state.ConsecutiveFailures++
		state.LastError = err.Error()
		state.LastErrorKind = KindOf(err)
		state.NextEligible = time.Now().Add(backoff)
		state.LastTransition = time.Now()
	}
}

// failureBackoff computes exponential backoff for consecutive failed runs.
func (s *Scheduler) failureBackoff(attempt int) time.Duration {
	backoff := s.config.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > s.config.MaxBackoff || backoff <= 0 {
		backoff = s.config.MaxBackoff
	}
	return backoff
}

func firstOperationError(result SyncResult) error {
	for _, op := range result.Operations {
		if op.Status == StatusFailed {
			return Errorf(op.ErrorKind, "operation %s %s failed after %d attempt(s): %s",
				op.Operation.Type, op.Operation.Identity, op.Attempts, op.Error)
		}
	}
	return Errorf(KindApplyRejected, "sync %s: %s", result.RunID, result.Status)
}

func validateTarget(target Target) error {
	if target.Name == "" {
		return fmt.Errorf("target name is required")
	}
	if target.RepoURL == "" {
		return fmt.Errorf("target %q: repoURL is required", target.Name)
	}
	if target.Revision == "" {
		return fmt.Errorf("target %q: revision is required", target.Name)
	}
	if target.Path == "" {
		return fmt.Errorf("target %q: path is required", target.Name)
	}
	return nil
}
