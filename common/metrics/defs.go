package metrics

import (
	"github.com/uber-go/tally"
)

// Counter and timer names emitted by the server. Scoped per component via the
// helpers below.
const (
	TaskEnqueued       = "task_enqueued"
	TaskPolled         = "task_polled"
	TaskCompleted      = "task_completed"
	TaskFailed         = "task_failed"
	TaskRequeued       = "task_requeued"
	TaskDeadLettered   = "task_dead_lettered"
	TaskExpired        = "task_expired"
	LeaseHeartbeat     = "lease_heartbeat"
	LeaseReclaimed     = "lease_reclaimed"
	ShardLeaseAcquired = "shard_lease_acquired"
	ShardLeaseRenewed  = "shard_lease_renewed"
	ShardLeaseLost     = "shard_lease_lost"
	ShardLeaseExpired  = "shard_lease_expired"
	HistoryAppend      = "history_append"
	HistoryConflict    = "history_conflict_retry"
	WorkflowStarted    = "workflow_started"
	WorkflowCompleted  = "workflow_completed"
	WorkflowFailed     = "workflow_failed"
	WorkflowTerminated = "workflow_terminated"
	RetentionDeleted   = "retention_deleted"
	RequestLatency     = "request_latency"
)

// QueueScope tags a scope with the task queue name.
func QueueScope(scope tally.Scope, queue string) tally.Scope {
	return scope.Tagged(map[string]string{"queue": queue})
}

// NamespaceScope tags a scope with the namespace.
func NamespaceScope(scope tally.Scope, namespace string) tally.Scope {
	return scope.Tagged(map[string]string{"namespace": namespace})
}

// OperationScope tags a scope with an operation name for latency timers.
func OperationScope(scope tally.Scope, operation string) tally.Scope {
	return scope.Tagged(map[string]string{"operation": operation})
}
