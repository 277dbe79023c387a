package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"converge/pkg/logging"
)

// OperationStatus is the terminal status of one executed operation.
type OperationStatus string

const (
	// StatusApplied means the mutation reached the destination (and, with
	// waitForHealth, the object reported healthy).
	StatusApplied OperationStatus = "Applied"

	// StatusFailed means the operation terminally failed.
	StatusFailed OperationStatus = "Failed"

	// StatusSkipped means the operation never ran because an earlier wave
	// failed and continueOnError was off.
	StatusSkipped OperationStatus = "Skipped"

	// StatusAborted means the run was cancelled before or during the
	// operation.
	StatusAborted OperationStatus = "Aborted"
)

// OperationResult records the outcome of a single operation.
type OperationResult struct {
	Operation Operation       `json:"operation"`
	Status    OperationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"errorKind,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// PlanStatus is the overall outcome of executing a SyncPlan.
type PlanStatus string

const (
	PlanSucceeded          PlanStatus = "Succeeded"
	PlanPartiallySucceeded PlanStatus = "PartiallySucceeded"
	PlanFailed             PlanStatus = "Failed"
	PlanAborted            PlanStatus = "Aborted"
	PlanNoop               PlanStatus = "Noop"
)

// SyncResult is the outcome of executing a SyncPlan.
type SyncResult struct {
	RunID      string            `json:"runID"`
	Target     string            `json:"target"`
	Revision   string            `json:"revision"`
	DiffHash   string            `json:"diffHash"`
	Status     PlanStatus        `json:"status"`
	Operations []OperationResult `json:"operations,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// maxWaveParallelism bounds concurrent operations within a single wave.
const maxWaveParallelism = 8

// healthPollInterval is how often the executor re-reads an object while
// waiting for it to become healthy.
const healthPollInterval = 2 * time.Second

// Executor applies sync plans against the destination wave by wave.
//
// Operations within a wave run concurrently and independently; a wave is
// complete when all of its operations reach a terminal status. Transient
// failures are retried with exponential backoff per the target's retry
// policy; non-transient failures are terminal for the operation but do not
// cancel siblings in the same wave.
type Executor struct {
	cluster Cluster
}

// NewExecutor creates an Executor over the given destination collaborator.
func NewExecutor(cluster Cluster) *Executor {
	return &Executor{cluster: cluster}
}

// Execute runs the plan and returns the per-operation and overall outcome.
// Cancellation of ctx marks unfinished operations Aborted.
func (e *Executor) Execute(ctx context.Context, target Target, plan SyncPlan) SyncResult {
	result := SyncResult{
		RunID:     uuid.NewString(),
		Target:    plan.Target,
		Revision:  plan.Revision,
		DiffHash:  plan.DiffHash,
		StartedAt: time.Now(),
	}

	if plan.Noop {
		result.Status = PlanNoop
		result.FinishedAt = time.Now()
		return result
	}

	policy := target.Policy
	blocked := false

	for _, wave := range plan.Waves {
		if ctx.Err() != nil {
			result.Operations = append(result.Operations, abortedResults(wave)...)
			continue
		}
		if blocked && !policy.ContinueOnError {
			result.Operations = append(result.Operations, skippedResults(wave)...)
			continue
		}

		waveResults := make([]OperationResult, len(wave))
		g := &errgroup.Group{}
		g.SetLimit(maxWaveParallelism)
		for i := range wave {
			i := i
			op := wave[i]
			g.Go(func() error {
				waveResults[i] = e.runOperation(ctx, target, op)
				return nil
			})
		}
		// Wave barrier: the next wave never starts before every operation
		// here is terminal.
		_ = g.Wait()

		for _, r := range waveResults {
			if r.Status == StatusFailed {
				blocked = true
			}
		}
		result.Operations = append(result.Operations, waveResults...)
	}

	result.Status = overallStatus(ctx, result.Operations)
	result.FinishedAt = time.Now()

	logging.Info("Executor", "Run %s for target %s finished: %s (%d operations)",
		result.RunID, target.Name, result.Status, len(result.Operations))
	return result
}

// runOperation executes one operation with retries for transient failures.
func (e *Executor) runOperation(ctx context.Context, target Target, op Operation) OperationResult {
	res := OperationResult{Operation: op}
	policy := target.Policy

	limit := policy.Retry.Limit
	if limit <= 0 {
		limit = 1
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		res.Attempts = attempt
		err = e.mutate(ctx, target, op)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt == limit {
			break
		}

		delay := retryDelay(policy.Retry, attempt)
		logging.Debug("Executor", "Retrying %s %s after %v (attempt %d/%d): %v",
			op.Type, op.Identity, delay, attempt, limit, err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	if err == nil && op.Type != OperationDelete && policy.WaitForHealth {
		err = e.waitForHealth(ctx, target, op.Identity, policy.HealthTimeout)
	}

	switch {
	case err == nil:
		res.Status = StatusApplied
	case ctx.Err() != nil:
		res.Status = StatusAborted
		res.Error = ctx.Err().Error()
	default:
		res.Status = StatusFailed
		res.Error = err.Error()
		res.ErrorKind = KindOf(err)
	}
	return res
}

func (e *Executor) mutate(ctx context.Context, target Target, op Operation) error {
	switch op.Type {
	case OperationCreate, OperationUpdate:
		_, err := e.cluster.Apply(ctx, target, op.Object)
		return err
	case OperationDelete:
		return e.cluster.Delete(ctx, target, op.Identity)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// waitForHealth polls the applied object until it reports a recognized
// healthy condition or the timeout elapses.
func (e *Executor) waitForHealth(ctx context.Context, target Target, id ObjectIdentity, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	for {
		obj, err := e.cluster.Get(ctx, target, id)
		if err == nil {
			healthy, reason := AssessHealth(obj)
			if healthy {
				return nil
			}
			logging.Debug("Executor", "Waiting for %s to become healthy: %s", id, reason)
		} else if !IsTransient(err) {
			// A just-applied object may be briefly absent on
			// eventually-consistent reads; only non-transient,
			// non-not-found errors end the wait early.
			if KindOf(err) == KindPermissionDenied {
				return err
			}
		}

		if time.Now().After(deadline) {
			return Errorf(KindHealthTimeout, "object %s not healthy after %v", id, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

func abortedResults(wave []Operation) []OperationResult {
	out := make([]OperationResult, 0, len(wave))
	for _, op := range wave {
		out = append(out, OperationResult{Operation: op, Status: StatusAborted, Error: context.Canceled.Error()})
	}
	return out
}

func skippedResults(wave []Operation) []OperationResult {
	out := make([]OperationResult, 0, len(wave))
	for _, op := range wave {
		out = append(out, OperationResult{Operation: op, Status: StatusSkipped})
	}
	return out
}

func overallStatus(ctx context.Context, ops []OperationResult) PlanStatus {
	if ctx.Err() != nil {
		return PlanAborted
	}
	applied, failed := 0, 0
	for _, r := range ops {
		switch r.Status {
		case StatusApplied:
			applied++
		case StatusFailed, StatusSkipped:
			failed++
		case StatusAborted:
			return PlanAborted
		}
	}
	switch {
	case failed == 0:
		return PlanSucceeded
	case applied == 0:
		return PlanFailed
	default:
		return PlanPartiallySucceeded
	}
}

// retryDelay computes exponential backoff for the given attempt.
func retryDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 3 * time.Minute
	}

	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
