package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/types"
)

func defaultQueueOptions() queueOptions {
	return queueOptions{
		Capacity:            1024,
		LeaseDuration:       60 * time.Second,
		RequeueDelay:        5 * time.Second,
		MaxDeliveryAttempts: 5,
	}
}

func newTestQueue(opts queueOptions) (*taskQueue, clock.MockedTimeSource) {
	timeSource := clock.NewMockedTimeSource()
	q := newTaskQueue("ns-1/activity/orders", opts, timeSource, log.NewNoop(), tally.NoopScope)
	return q, timeSource
}

func enqueueN(t *testing.T, q *taskQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
			NamespaceID: "ns-1",
			WorkflowID:  fmt.Sprintf("wf-%d", i),
			RunID:       fmt.Sprintf("run-%d", i),
			QueueName:   "orders",
			QueueType:   types.QueueTypeActivity,
		}))
	}
}

func TestTaskQueue_RoundTrip(t *testing.T) {
	q, _ := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)
	assert.Equal(t, 1, q.Depth())

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	assert.Equal(t, int32(1), lease.Attempt)
	assert.Equal(t, "worker-1", lease.WorkerIdentity)
	assert.Equal(t, 0, q.Depth(), "leased task must leave the dispatchable set")

	require.NoError(t, q.Complete(lease.LeaseID))
	assert.Nil(t, q.Poll("worker-1"))

	var expired *types.TaskLeaseExpiredError
	require.ErrorAs(t, q.Complete(lease.LeaseID), &expired, "second completion must be rejected")
}

func TestTaskQueue_FIFOOrder(t *testing.T) {
	q, _ := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 5)

	var got []int64
	for {
		lease := q.Poll("worker-1")
		if lease == nil {
			break
		}
		got = append(got, lease.Task.TaskID)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
}

func TestTaskQueue_PartitionHashAssigned(t *testing.T) {
	q, _ := newTestQueue(defaultQueueOptions())
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-1",
		QueueName:  "orders",
	}))
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-1",
		QueueName:  "orders",
	}))

	first := q.Poll("worker-1")
	second := q.Poll("worker-1")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotZero(t, first.Task.PartitionHash)
	assert.Equal(t, first.Task.PartitionHash, second.Task.PartitionHash,
		"same workflow id must map to the same partition")
}

func TestTaskQueue_HeartbeatExtendsLease(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)

	// Just short of expiry; heartbeat resets the clock.
	timeSource.Advance(59 * time.Second)
	require.NoError(t, q.Heartbeat(lease.LeaseID))
	assert.Zero(t, q.reclaimExpired())

	timeSource.Advance(59 * time.Second)
	assert.Zero(t, q.reclaimExpired(), "heartbeat must have extended the lease")
	require.NoError(t, q.Heartbeat(lease.LeaseID))
}

func TestTaskQueue_ExpiredLeaseReclaimedAndRequeued(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)

	timeSource.Advance(61 * time.Second)
	assert.Equal(t, 1, q.reclaimExpired())

	var expired *types.TaskLeaseExpiredError
	require.ErrorAs(t, q.Heartbeat(lease.LeaseID), &expired)
	require.ErrorAs(t, q.Complete(lease.LeaseID), &expired)

	// The task comes back after the requeue delay with the attempt count
	// carried over.
	assert.Nil(t, q.Poll("worker-2"))
	timeSource.Advance(5 * time.Second)
	retried := q.Poll("worker-2")
	require.NotNil(t, retried)
	assert.Equal(t, lease.Task.TaskID, retried.Task.TaskID)
	assert.Equal(t, int32(2), retried.Attempt)
}

func TestTaskQueue_FailWithRequeueDelay(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	require.NoError(t, q.Fail(lease.LeaseID, "activity failed", true))

	assert.Nil(t, q.Poll("worker-1"), "requeued task is not dispatchable inside the delay")
	assert.Equal(t, 0, q.Depth())

	timeSource.Advance(5 * time.Second)
	assert.Equal(t, 1, q.Depth())
	retried := q.Poll("worker-1")
	require.NotNil(t, retried)
	assert.Equal(t, int32(2), retried.Attempt)
}

func TestTaskQueue_FailWithoutRequeueDropsTask(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	require.NoError(t, q.Fail(lease.LeaseID, "not retryable", false))

	timeSource.Advance(time.Minute)
	assert.Nil(t, q.Poll("worker-1"))
	assert.Empty(t, q.DeadLetterTasks())
}

func TestTaskQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	opts := defaultQueueOptions()
	opts.MaxDeliveryAttempts = 3
	q, timeSource := newTestQueue(opts)
	enqueueN(t, q, 1)

	for attempt := int32(1); attempt <= 3; attempt++ {
		lease := q.Poll("worker-1")
		require.NotNil(t, lease)
		assert.Equal(t, attempt, lease.Attempt)
		require.NoError(t, q.Fail(lease.LeaseID, "still failing", true))
		timeSource.Advance(5 * time.Second)
	}

	assert.Nil(t, q.Poll("worker-1"))
	dead := q.DeadLetterTasks()
	require.Len(t, dead, 1)
	assert.Equal(t, int64(1), dead[0].TaskID)
	assert.Equal(t, 0, q.Depth())
}

func TestTaskQueue_TaskExpiryDropsEntry(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-1",
		QueueName:  "orders",
		ExpiryAt:   timeSource.Now().Add(10 * time.Second),
	}))

	timeSource.Advance(11 * time.Second)
	assert.Nil(t, q.Poll("worker-1"))
	assert.Equal(t, 0, q.Depth())
	assert.Empty(t, q.DeadLetterTasks(), "expired tasks are dropped, not dead-lettered")
}

func TestTaskQueue_ExpiredHeadDoesNotBlockDispatch(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-expiring",
		QueueName:  "orders",
		ExpiryAt:   timeSource.Now().Add(10 * time.Second),
	}))
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-live-1",
		QueueName:  "orders",
	}))
	require.NoError(t, q.Enqueue(context.Background(), &types.TaskInfo{
		WorkflowID: "wf-live-2",
		QueueName:  "orders",
	}))

	// A single poll must drop the expired head and lease the task right
	// behind it.
	timeSource.Advance(11 * time.Second)
	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	assert.Equal(t, "wf-live-1", lease.Task.WorkflowID)

	next := q.Poll("worker-1")
	require.NotNil(t, next)
	assert.Equal(t, "wf-live-2", next.Task.WorkflowID)
	assert.Empty(t, q.DeadLetterTasks(), "expired tasks are dropped, not dead-lettered")
}

func TestTaskQueue_HeartbeatAfterExpiryFails(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	enqueueN(t, q, 1)

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)

	// Past expiry the lease is logically reclaimed even before the sweep
	// runs; heartbeating must not revive it.
	timeSource.Advance(61 * time.Second)
	var expired *types.TaskLeaseExpiredError
	require.ErrorAs(t, q.Heartbeat(lease.LeaseID), &expired)

	// The sweep still hands the task back for redelivery afterwards.
	assert.Equal(t, 1, q.reclaimExpired())
	timeSource.Advance(5 * time.Second)
	retried := q.Poll("worker-2")
	require.NotNil(t, retried)
	assert.Equal(t, lease.Task.TaskID, retried.Task.TaskID)
}

func TestTaskQueue_AdmittedTaskIsIsolatedFromCaller(t *testing.T) {
	q, timeSource := newTestQueue(defaultQueueOptions())
	task := &types.TaskInfo{
		WorkflowID: "wf-original",
		RunID:      "run-original",
		QueueName:  "orders",
	}
	require.NoError(t, q.Enqueue(context.Background(), task))

	// Mutations after admission must not reach into queue state.
	task.WorkflowID = "wf-mutated"
	task.RunID = "run-mutated"

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	assert.Equal(t, "wf-original", lease.Task.WorkflowID)
	assert.Equal(t, "run-original", lease.Task.RunID)

	// Nor must mutations through the lease: the requeued delivery still
	// carries the admitted snapshot.
	lease.Task.WorkflowID = "wf-leased-mutation"
	require.NoError(t, q.Fail(lease.LeaseID, "worker rejected task", true))
	timeSource.Advance(5 * time.Second)
	retried := q.Poll("worker-2")
	require.NotNil(t, retried)
	assert.Equal(t, "wf-original", retried.Task.WorkflowID)
}

func TestTaskQueue_EnqueueBlocksAtCapacity(t *testing.T) {
	opts := defaultQueueOptions()
	opts.Capacity = 1
	q, _ := newTestQueue(opts)
	enqueueN(t, q, 1)

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), &types.TaskInfo{
			WorkflowID: "wf-blocked",
			QueueName:  "orders",
		})
	}()

	select {
	case err := <-done:
		t.Fatalf("enqueue past capacity returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	lease := q.Poll("worker-1")
	require.NotNil(t, lease)
	require.NoError(t, q.Complete(lease.LeaseID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not unblock after capacity freed")
	}
}

func TestTaskQueue_EnqueueUnblocksOnContextCancel(t *testing.T) {
	opts := defaultQueueOptions()
	opts.Capacity = 1
	q, _ := newTestQueue(opts)
	enqueueN(t, q, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, &types.TaskInfo{
			WorkflowID: "wf-blocked",
			QueueName:  "orders",
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not observe cancellation")
	}
	assert.Equal(t, 1, q.Depth(), "canceled enqueue must not admit the task")
}
