package engine

import (
	"context"
	"sync"
	"time"
)

// SyncRequest asks the scheduler to reconcile one target.
type SyncRequest struct {
	// Target is the registry name of the target to reconcile.
	Target string

	// Reason records what triggered the request (interval, webhook, drift,
	// registration). Informational only.
	Reason string

	// Attempt is the current retry attempt number (starts at 1).
	Attempt int
}

// syncQueue is a deduplicating work queue keyed by target name.
//
// At most one request per target is queued; adding while a target's run is
// in flight marks it dirty, and the single pending re-run is enqueued when
// the active run completes. This is the coalescing guarantee: triggers are
// never queued multiple times for the same target.
type syncQueue struct {
	mu sync.Mutex

	// queue holds requests in FIFO order
	queue []SyncRequest

	// processing tracks targets currently being reconciled
	processing map[string]bool

	// dirty tracks targets re-triggered while processing
	dirty map[string]SyncRequest

	// cond is used for blocking Get operations
	cond *sync.Cond

	// shuttingDown indicates the queue is stopping
	shuttingDown bool
}

func newSyncQueue() *syncQueue {
	q := &syncQueue{
		processing: make(map[string]bool),
		dirty:      make(map[string]SyncRequest),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add adds or updates a request in the queue.
func (q *syncQueue) Add(req SyncRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	// If the target is mid-run, coalesce into a single pending re-run.
	if q.processing[req.Target] {
		q.dirty[req.Target] = req
		return
	}

	for i, existing := range q.queue {
		if existing.Target == req.Target {
			q.queue[i] = req
			return
		}
	}

	q.queue = append(q.queue, req)
	q.cond.Signal()
}

// Get retrieves the next request, blocking until one is available, the
// context is cancelled, or the queue shuts down.
func (q *syncQueue) Get(ctx context.Context) (SyncRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		select {
		case <-ctx.Done():
			return SyncRequest{}, false
		default:
		}

		// Race a context watcher against the normal cond wakeup; closing
		// done guarantees the goroutine exits either way.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()

		q.cond.Wait()
		close(done)

		select {
		case <-ctx.Done():
			return SyncRequest{}, false
		default:
		}
	}

	if q.shuttingDown && len(q.queue) == 0 {
		return SyncRequest{}, false
	}

	req := q.queue[0]
	q.queue = q.queue[1:]
	q.processing[req.Target] = true

	return req, true
}

// Done marks a target's run as completed, releasing its slot and re-adding
// the coalesced request if the target was re-triggered meanwhile.
func (q *syncQueue) Done(req SyncRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, req.Target)

	if dirtyReq, ok := q.dirty[req.Target]; ok {
		delete(q.dirty, req.Target)
		q.queue = append(q.queue, dirtyReq)
		q.cond.Signal()
	}
}

// Forget drops any pending or coalesced request for a target. Used on
// deregistration so a removed target never runs again.
func (q *syncQueue) Forget(target string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.dirty, target)
	for i, existing := range q.queue {
		if existing.Target == target {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
}

// Len returns the queue length.
func (q *syncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Shutdown stops the queue.
func (q *syncQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuttingDown = true
	q.cond.Broadcast()
}

// delayedQueue wraps syncQueue with delayed requeue support, used for both
// interval ticks and failure backoff.
type delayedQueue struct {
	queue      *syncQueue
	mu         sync.Mutex
	delayedMap map[string]*time.Timer
	stopCh     chan struct{}
}

func newDelayedQueue() *delayedQueue {
	return &delayedQueue{
		queue:      newSyncQueue(),
		delayedMap: make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}
}

// Add adds a request immediately.
func (d *delayedQueue) Add(req SyncRequest) {
	d.queue.Add(req)
}

// AddAfter adds a request after a delay, replacing any pending delayed
// request for the same target.
func (d *delayedQueue) AddAfter(req SyncRequest, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if timer, ok := d.delayedMap[req.Target]; ok {
		timer.Stop()
	}

	d.delayedMap[req.Target] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.delayedMap, req.Target)
		d.mu.Unlock()

		select {
		case <-d.stopCh:
			return
		default:
			d.queue.Add(req)
		}
	})
}

// Get retrieves the next request.
func (d *delayedQueue) Get(ctx context.Context) (SyncRequest, bool) {
	return d.queue.Get(ctx)
}

// Done marks a request as completed.
func (d *delayedQueue) Done(req SyncRequest) {
	d.queue.Done(req)
}

// Forget cancels any delayed, pending or coalesced request for a target.
func (d *delayedQueue) Forget(target string) {
	d.mu.Lock()
	if timer, ok := d.delayedMap[target]; ok {
		timer.Stop()
		delete(d.delayedMap, target)
	}
	d.mu.Unlock()

	d.queue.Forget(target)
}

// Len returns the queue length.
func (d *delayedQueue) Len() int {
	return d.queue.Len()
}

// Shutdown stops the queue and cancels pending timers.
func (d *delayedQueue) Shutdown() {
	close(d.stopCh)

	d.mu.Lock()
	for _, timer := range d.delayedMap {
		timer.Stop()
	}
	d.delayedMap = make(map[string]*time.Timer)
	d.mu.Unlock()

	d.queue.Shutdown()
}
