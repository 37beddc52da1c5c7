package matching

import (
	"context"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/uber-go/tally"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/metrics"
	"github.com/orcaflow/orca/common/types"
)

const reasonLeaseExpired = "lease expired"

// queueOptions are the per-queue delivery knobs; Poll always uses the
// configured LeaseDuration, there is no per-call override.
type queueOptions struct {
	Capacity            int
	LeaseDuration       time.Duration
	RequeueDelay        time.Duration
	MaxDeliveryAttempts int32
}

// entryKey orders the dispatchable set: FIFO by scheduledAt with taskID as
// the tie-break.
type entryKey struct {
	scheduledAt int64 // unix nanos
	taskID      int64
}

func entryKeyComparator(a, b interface{}) int {
	ka := a.(entryKey)
	kb := b.(entryKey)
	switch {
	case ka.scheduledAt < kb.scheduledAt:
		return -1
	case ka.scheduledAt > kb.scheduledAt:
		return 1
	case ka.taskID < kb.taskID:
		return -1
	case ka.taskID > kb.taskID:
		return 1
	}
	return 0
}

// taskEntry is one admitted task. Leases reference the entry directly, so a
// lease that outlived its admission cannot affect a re-admitted task.
type taskEntry struct {
	task    *types.TaskInfo
	attempt int32
}

type leaseEntry struct {
	lease *types.TaskLease
	entry *taskEntry
}

// taskQueue is one named partitioned FIFO delivering tasks under leases.
// State machine per task: Pending -> Leased -> (Completed | Failed-Permanent
// | Dead-Lettered), with Leased -> Pending on requeue.
type taskQueue struct {
	sync.Mutex
	name       string
	opts       queueOptions
	timeSource clock.TimeSource
	logger     log.Logger
	scope      tally.Scope

	pending    *treemap.Map // entryKey -> *taskEntry
	leases     map[string]*leaseEntry
	deadLetter []*taskEntry
	nextTaskID int64

	notFull *sync.Cond
	// signal wakes one dispatch loop when a task becomes dispatchable.
	signal chan struct{}
}

func newTaskQueue(name string, opts queueOptions, timeSource clock.TimeSource, logger log.Logger, scope tally.Scope) *taskQueue {
	q := &taskQueue{
		name:       name,
		opts:       opts,
		timeSource: timeSource,
		logger:     logger.WithTags(tag.TaskQueue(name)),
		scope:      metrics.QueueScope(scope, name),
		pending:    treemap.NewWith(entryKeyComparator),
		leases:     make(map[string]*leaseEntry),
		signal:     make(chan struct{}, 1),
	}
	q.notFull = sync.NewCond(q)
	return q
}

func (q *taskQueue) totalLocked() int {
	return q.pending.Size() + len(q.leases)
}

// Enqueue admits a task at the tail. When the queue is at capacity the call
// blocks until space frees or ctx is done.
func (q *taskQueue) Enqueue(ctx context.Context, task *types.TaskInfo) error {
	stop := context.AfterFunc(ctx, func() {
		q.notFull.Broadcast()
	})
	defer stop()

	q.Lock()
	for q.totalLocked() >= q.opts.Capacity {
		if err := ctx.Err(); err != nil {
			q.Unlock()
			return err
		}
		q.notFull.Wait()
	}

	// The queue owns its copy; the caller keeps mutating rights over the
	// original.
	admitted := copyTask(task)
	if admitted.TaskID == 0 {
		q.nextTaskID++
		admitted.TaskID = q.nextTaskID
	} else if admitted.TaskID > q.nextTaskID {
		q.nextTaskID = admitted.TaskID
	}
	if admitted.ScheduledAt.IsZero() {
		admitted.ScheduledAt = q.timeSource.Now()
	}
	if admitted.PartitionHash == 0 {
		admitted.PartitionHash = farm.Fingerprint64([]byte(admitted.WorkflowID))
	}

	q.insertLocked(&taskEntry{task: admitted})
	q.Unlock()

	q.scope.Counter(metrics.TaskEnqueued).Inc(1)
	q.notify()
	return nil
}

func (q *taskQueue) insertLocked(entry *taskEntry) {
	q.pending.Put(entryKey{
		scheduledAt: entry.task.ScheduledAt.UnixNano(),
		taskID:      entry.task.TaskID,
	}, entry)
}

func (q *taskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Poll grants at most one lease, strictly FIFO over dispatchable entries.
// Entries past their expiry are dropped; entries over the delivery cap are
// dead-lettered. Returns nil when nothing is dispatchable.
func (q *taskQueue) Poll(workerIdentity string) *types.TaskLease {
	q.Lock()
	defer q.Unlock()

	now := q.timeSource.Now()
	// Head-of-line scan via Min; removing under a live treemap iterator
	// invalidates it, so each removal re-reads the head instead.
	for {
		k, v := q.pending.Min()
		if k == nil {
			return nil
		}
		key := k.(entryKey)
		entry := v.(*taskEntry)

		if key.scheduledAt > now.UnixNano() {
			// Ordered by scheduledAt: nothing further is due yet.
			return nil
		}
		if !entry.task.ExpiryAt.IsZero() && !entry.task.ExpiryAt.After(now) {
			q.pending.Remove(key)
			q.scope.Counter(metrics.TaskExpired).Inc(1)
			q.notFull.Broadcast()
			continue
		}
		if entry.attempt >= q.opts.MaxDeliveryAttempts {
			q.pending.Remove(key)
			q.deadLetterLocked(entry)
			continue
		}

		q.pending.Remove(key)
		entry.attempt++
		lease := &types.TaskLease{
			LeaseID:        uuid.NewString(),
			Task:           entry.task,
			WorkerIdentity: workerIdentity,
			LeasedAt:       now,
			LeaseExpiresAt: now.Add(q.opts.LeaseDuration),
			LastHeartbeat:  now,
			Attempt:        entry.attempt,
		}
		q.leases[lease.LeaseID] = &leaseEntry{lease: lease, entry: entry}
		q.scope.Counter(metrics.TaskPolled).Inc(1)
		return copyLease(lease)
	}
}

// Heartbeat slides the lease expiry forward by the lease duration. A lease
// past its expiry is already logically reclaimed even if the sweep has not
// run yet, so the heartbeat fails rather than reviving it.
func (q *taskQueue) Heartbeat(leaseID string) error {
	q.Lock()
	defer q.Unlock()

	held, ok := q.leases[leaseID]
	if !ok {
		return &types.TaskLeaseExpiredError{LeaseID: leaseID}
	}
	now := q.timeSource.Now()
	if !held.lease.LeaseExpiresAt.After(now) {
		return &types.TaskLeaseExpiredError{LeaseID: leaseID}
	}
	held.lease.LastHeartbeat = now
	held.lease.LeaseExpiresAt = now.Add(q.opts.LeaseDuration)
	q.scope.Counter(metrics.LeaseHeartbeat).Inc(1)
	return nil
}

// Complete permanently removes the leased task.
func (q *taskQueue) Complete(leaseID string) error {
	q.Lock()
	_, ok := q.leases[leaseID]
	if !ok {
		q.Unlock()
		return &types.TaskLeaseExpiredError{LeaseID: leaseID}
	}
	delete(q.leases, leaseID)
	q.notFull.Broadcast()
	q.Unlock()

	q.scope.Counter(metrics.TaskCompleted).Inc(1)
	return nil
}

// Fail releases the lease. With requeue the task re-enters the pending set at
// now+RequeueDelay unless it has hit the delivery cap, in which case it is
// dead-lettered.
func (q *taskQueue) Fail(leaseID string, reason string, requeue bool) error {
	q.Lock()
	held, ok := q.leases[leaseID]
	if !ok {
		q.Unlock()
		return &types.TaskLeaseExpiredError{LeaseID: leaseID}
	}
	delete(q.leases, leaseID)

	var requeued bool
	if requeue {
		if held.entry.attempt >= q.opts.MaxDeliveryAttempts {
			q.deadLetterLocked(held.entry)
		} else {
			held.entry.task.ScheduledAt = q.timeSource.Now().Add(q.opts.RequeueDelay)
			q.insertLocked(held.entry)
			requeued = true
		}
	} else {
		q.notFull.Broadcast()
	}
	q.Unlock()

	q.scope.Counter(metrics.TaskFailed).Inc(1)
	if requeued {
		q.scope.Counter(metrics.TaskRequeued).Inc(1)
		q.logger.Debug("task requeued",
			tag.TaskID(held.lease.Task.TaskID),
			tag.Attempt(held.entry.attempt),
			tag.Reason(reason),
		)
		q.notify()
	}
	return nil
}

// deadLetterLocked moves the entry to the dead-letter set and frees its
// capacity slot.
func (q *taskQueue) deadLetterLocked(entry *taskEntry) {
	q.deadLetter = append(q.deadLetter, entry)
	q.scope.Counter(metrics.TaskDeadLettered).Inc(1)
	q.logger.Warn("task dead-lettered",
		tag.TaskID(entry.task.TaskID),
		tag.WorkflowID(entry.task.WorkflowID),
		tag.Attempt(entry.attempt),
	)
	q.notFull.Broadcast()
}

// reclaimExpired fails every lease past its expiry with requeue, applying the
// usual delivery cap. Expiry is re-checked under the lock so a heartbeat that
// committed first wins the race. Returns the number of leases reclaimed.
func (q *taskQueue) reclaimExpired() int {
	q.Lock()
	now := q.timeSource.Now()
	reclaimed := 0
	requeued := false
	for leaseID, held := range q.leases {
		if held.lease.LeaseExpiresAt.After(now) {
			continue
		}
		delete(q.leases, leaseID)
		reclaimed++
		if held.entry.attempt >= q.opts.MaxDeliveryAttempts {
			q.deadLetterLocked(held.entry)
			continue
		}
		held.entry.task.ScheduledAt = now.Add(q.opts.RequeueDelay)
		q.insertLocked(held.entry)
		requeued = true
		q.logger.Debug("expired lease requeued",
			tag.LeaseID(leaseID),
			tag.TaskID(held.lease.Task.TaskID),
			tag.Attempt(held.entry.attempt),
			tag.Reason(reasonLeaseExpired),
		)
	}
	q.Unlock()

	if reclaimed > 0 {
		q.scope.Counter(metrics.LeaseReclaimed).Inc(int64(reclaimed))
	}
	if requeued {
		q.notify()
	}
	return reclaimed
}

// Depth counts currently-dispatchable entries only; leased tasks and entries
// still inside their requeue delay are not included.
func (q *taskQueue) Depth() int {
	q.Lock()
	defer q.Unlock()

	now := q.timeSource.Now().UnixNano()
	depth := 0
	it := q.pending.Iterator()
	for it.Next() {
		if it.Key().(entryKey).scheduledAt > now {
			break
		}
		depth++
	}
	return depth
}

// DeadLetterTasks returns a snapshot of the dead-letter set.
func (q *taskQueue) DeadLetterTasks() []*types.TaskInfo {
	q.Lock()
	defer q.Unlock()
	tasks := make([]*types.TaskInfo, 0, len(q.deadLetter))
	for _, entry := range q.deadLetter {
		tasks = append(tasks, copyTask(entry.task))
	}
	return tasks
}

func copyLease(lease *types.TaskLease) *types.TaskLease {
	c := *lease
	c.Task = copyTask(lease.Task)
	return &c
}

// copyTask snapshots a task so queue internals and callers cannot alias each
// other. Payload bytes stay shared; neither side mutates them.
func copyTask(task *types.TaskInfo) *types.TaskInfo {
	c := *task
	return &c
}
