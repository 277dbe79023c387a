package engine

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"converge/pkg/logging"
)

// Fetcher retrieves desired-state snapshots through the source collaborator.
//
// The revision reference is resolved to an immutable commit hash before
// rendering, so two fetches of the same revision label see byte-identical
// input. Transient source failures are retried locally per the target's
// retry policy before surfacing.
type Fetcher struct {
	source Source
}

// NewFetcher creates a Fetcher over the given source collaborator.
func NewFetcher(source Source) *Fetcher {
	return &Fetcher{source: source}
}

// Fetch resolves the target's revision and renders its manifest set.
func (f *Fetcher) Fetch(ctx context.Context, target Target) (*DesiredStateSnapshot, error) {
	var snapshot *DesiredStateSnapshot
	err := withRetry(ctx, target.Policy.Retry, func() error {
		revision, err := f.source.ResolveRevision(ctx, target)
		if err != nil {
			return err
		}
		objects, err := f.source.Render(ctx, target, revision)
		if err != nil {
			return err
		}
		snapshot = &DesiredStateSnapshot{
			Target:    target.Name,
			Revision:  revision,
			Objects:   objects,
			FetchedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Observer retrieves live-state snapshots through the destination
// collaborator, scoped to the target's ownership marker. Transient
// destination failures are retried locally per the target's retry policy.
type Observer struct {
	cluster Cluster
}

// NewObserver creates an Observer over the given destination collaborator.
func NewObserver(cluster Cluster) *Observer {
	return &Observer{cluster: cluster}
}

// Observe lists the managed objects of the given kinds at the destination.
func (o *Observer) Observe(ctx context.Context, target Target, gvks []schema.GroupVersionKind) (*LiveStateSnapshot, error) {
	var snapshot *LiveStateSnapshot
	err := withRetry(ctx, target.Policy.Retry, func() error {
		objects, err := o.cluster.List(ctx, target, gvks)
		if err != nil {
			return err
		}
		snapshot = &LiveStateSnapshot{
			Target:     target.Name,
			Objects:    objects,
			ObservedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// withRetry runs fn, retrying transient failures with exponential backoff up
// to the policy limit. Non-transient failures surface immediately.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	limit := policy.Limit
	if limit <= 0 {
		limit = 1
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == limit {
			return err
		}

		delay := retryDelay(policy, attempt)
		logging.Debug("Engine", "Transient failure, retrying after %v (attempt %d/%d): %v",
			delay, attempt, limit, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
