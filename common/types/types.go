package types

import (
	"time"
)

// WorkflowState is the lifecycle state of a workflow execution. Transitions
// only go from Running to one of the terminal states.
type WorkflowState int32

const (
	WorkflowStateRunning WorkflowState = iota
	WorkflowStateCompleted
	WorkflowStateFailed
	WorkflowStateCanceled
	WorkflowStateTerminated
	WorkflowStateContinuedAsNew
	WorkflowStateTimedOut
)

// IsTerminal reports whether the state is a closed state.
func (s WorkflowState) IsTerminal() bool {
	return s != WorkflowStateRunning
}

func (s WorkflowState) String() string {
	switch s {
	case WorkflowStateRunning:
		return "Running"
	case WorkflowStateCompleted:
		return "Completed"
	case WorkflowStateFailed:
		return "Failed"
	case WorkflowStateCanceled:
		return "Canceled"
	case WorkflowStateTerminated:
		return "Terminated"
	case WorkflowStateContinuedAsNew:
		return "ContinuedAsNew"
	case WorkflowStateTimedOut:
		return "TimedOut"
	}
	return "Unknown"
}

// NamespaceStatus is the lifecycle state of a namespace.
type NamespaceStatus int32

const (
	NamespaceStatusActive NamespaceStatus = iota
	NamespaceStatusDeprecated
	NamespaceStatusDeleted
)

// NamespaceInfo is the tenant boundary record.
type NamespaceInfo struct {
	ID              string
	Name            string
	RetentionDays   int32
	ArchivalEnabled bool
	Status          NamespaceStatus
	CreatedAt       time.Time
}

// WorkflowExecution is the mutable state of one run. Version is the
// optimistic-concurrency counter: it advances by exactly one per successful
// update.
type WorkflowExecution struct {
	NamespaceID          string
	WorkflowID           string
	RunID                string
	WorkflowType         string
	TaskQueue            string
	State                WorkflowState
	NextEventID          int64
	LastProcessedEventID int64
	CompletionEventID    int64
	ParentWorkflowID     string
	ParentRunID          string
	ShardID              int
	Version              int64
	Input                []byte
	Result               []byte
	Failure              string
	CancelRequested      bool
	Memo                 map[string]string
	StartedAt            time.Time
	CompletedAt          time.Time
}

// EventType enumerates history event kinds.
type EventType int32

const (
	EventTypeWorkflowExecutionStarted EventType = iota
	EventTypeWorkflowTaskScheduled
	EventTypeWorkflowTaskStarted
	EventTypeWorkflowTaskCompleted
	EventTypeWorkflowTaskFailed
	EventTypeActivityTaskScheduled
	EventTypeActivityTaskCompleted
	EventTypeActivityTaskFailed
	EventTypeWorkflowExecutionSignaled
	EventTypeWorkflowExecutionCancelRequested
	EventTypeTimerStarted
	EventTypeTimerFired
	EventTypeMarkerRecorded
	EventTypeWorkflowExecutionCompleted
	EventTypeWorkflowExecutionFailed
	EventTypeWorkflowExecutionCanceled
	EventTypeWorkflowExecutionTerminated
	EventTypeWorkflowExecutionContinuedAsNew
	EventTypeWorkflowExecutionTimedOut
)

func (e EventType) String() string {
	switch e {
	case EventTypeWorkflowExecutionStarted:
		return "WorkflowExecutionStarted"
	case EventTypeWorkflowTaskScheduled:
		return "WorkflowTaskScheduled"
	case EventTypeWorkflowTaskStarted:
		return "WorkflowTaskStarted"
	case EventTypeWorkflowTaskCompleted:
		return "WorkflowTaskCompleted"
	case EventTypeWorkflowTaskFailed:
		return "WorkflowTaskFailed"
	case EventTypeActivityTaskScheduled:
		return "ActivityTaskScheduled"
	case EventTypeActivityTaskCompleted:
		return "ActivityTaskCompleted"
	case EventTypeActivityTaskFailed:
		return "ActivityTaskFailed"
	case EventTypeWorkflowExecutionSignaled:
		return "WorkflowExecutionSignaled"
	case EventTypeWorkflowExecutionCancelRequested:
		return "WorkflowExecutionCancelRequested"
	case EventTypeTimerStarted:
		return "TimerStarted"
	case EventTypeTimerFired:
		return "TimerFired"
	case EventTypeMarkerRecorded:
		return "MarkerRecorded"
	case EventTypeWorkflowExecutionCompleted:
		return "WorkflowExecutionCompleted"
	case EventTypeWorkflowExecutionFailed:
		return "WorkflowExecutionFailed"
	case EventTypeWorkflowExecutionCanceled:
		return "WorkflowExecutionCanceled"
	case EventTypeWorkflowExecutionTerminated:
		return "WorkflowExecutionTerminated"
	case EventTypeWorkflowExecutionContinuedAsNew:
		return "WorkflowExecutionContinuedAsNew"
	case EventTypeWorkflowExecutionTimedOut:
		return "WorkflowExecutionTimedOut"
	}
	return "Unknown"
}

// TransientTaskID marks history events that are not bound to a decision task.
const TransientTaskID int64 = -1

// HistoryEvent is an immutable history row. Within one run, event IDs form
// the contiguous sequence 1..N.
type HistoryEvent struct {
	NamespaceID    string
	WorkflowID     string
	RunID          string
	EventID        int64
	EventType      EventType
	EventTimestamp time.Time
	TaskID         int64
	SchemaVersion  int32
	Payload        []byte
}

// QueueType separates workflow-dispatch queues from activity queues.
type QueueType int32

const (
	QueueTypeWorkflow QueueType = iota
	QueueTypeActivity
)

func (q QueueType) String() string {
	if q == QueueTypeActivity {
		return "Activity"
	}
	return "Workflow"
}

// TaskInfo is a pending work item on a task queue.
type TaskInfo struct {
	NamespaceID   string
	QueueName     string
	QueueType     QueueType
	TaskID        int64
	WorkflowID    string
	RunID         string
	ScheduledAt   time.Time
	ExpiryAt      time.Time // zero means no expiry
	Payload       []byte
	PartitionHash uint64
}

// TaskLease is a currently-held delivery of a task.
type TaskLease struct {
	LeaseID        string
	Task           *TaskInfo
	WorkerIdentity string
	LeasedAt       time.Time
	LeaseExpiresAt time.Time
	LastHeartbeat  time.Time
	Attempt        int32
}

// ShardLease is one row of the shard ownership table.
type ShardLease struct {
	ShardID        int
	OwnerIdentity  string
	LeaseExpiresAt time.Time
	RangeStart     int64
	RangeEnd       int64
	LastHeartbeat  time.Time
}

// Owned reports whether the shard has an unexpired owner as of now.
func (s *ShardLease) Owned(now time.Time) bool {
	return s.OwnerIdentity != "" && s.LeaseExpiresAt.After(now)
}
