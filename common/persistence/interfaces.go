package persistence

//go:generate mockgen -package $GOPACKAGE -source $GOFILE -destination=interfaces_mock.go ShardStore,ExecutionStore,NamespaceStore

import (
	"context"
	"time"

	"github.com/orcaflow/orca/common/types"
)

// ShardStore is the shard ownership table. A shard is owned by at most one
// identity at any instant as observed by the store.
type ShardStore interface {
	// InitializeShards idempotently creates count shard rows with evenly
	// split hash ranges over the positive signed-64-bit space.
	InitializeShards(ctx context.Context, count int) error
	// AcquireLease succeeds iff the shard is unowned, the recorded lease has
	// expired, or the caller already owns it. Returns ShardUnavailableError
	// otherwise.
	AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.ShardLease, error)
	// RenewLease succeeds only while the caller holds an unexpired lease.
	RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.ShardLease, error)
	// ReleaseLease clears ownership; the caller must be the owner.
	ReleaseLease(ctx context.Context, shardID int, owner string) error
	GetLease(ctx context.Context, shardID int) (*types.ShardLease, error)
	GetOwnedShards(ctx context.Context, owner string) ([]int, error)
	ListAll(ctx context.Context) ([]*types.ShardLease, error)
	// ReclaimExpired clears ownership on every shard whose lease has expired
	// and returns how many were reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)
}

// NamespaceStore persists tenant records.
type NamespaceStore interface {
	CreateNamespace(ctx context.Context, info *types.NamespaceInfo) error
	GetNamespace(ctx context.Context, name string) (*types.NamespaceInfo, error)
	GetNamespaceByID(ctx context.Context, id string) (*types.NamespaceInfo, error)
	ListNamespaces(ctx context.Context) ([]*types.NamespaceInfo, error)
	// DeleteNamespace soft-deletes: the row stays with status Deleted.
	DeleteNamespace(ctx context.Context, name string) error
}

// CreateWorkflowExecutionRequest inserts a new run with its initial events in
// one unit. InitialEvents must be the contiguous sequence 1..N and
// Execution.NextEventID must be N+1.
type CreateWorkflowExecutionRequest struct {
	Execution     *types.WorkflowExecution
	InitialEvents []*types.HistoryEvent
}

// UpdateWorkflowExecutionRequest is the single write path for mutable run
// state. NewEvents (possibly empty) are appended atomically with the state
// update under the optimistic version guard: the batch must start at the
// persisted NextEventID, be contiguous, and Execution.NextEventID must equal
// the last appended ID plus one.
type UpdateWorkflowExecutionRequest struct {
	Execution       *types.WorkflowExecution
	ExpectedVersion int64
	NewEvents       []*types.HistoryEvent
}

// ListWorkflowExecutionsRequest pages through executions in a namespace.
type ListWorkflowExecutionsRequest struct {
	NamespaceID string
	// State filters by workflow state when non-nil.
	State *types.WorkflowState
	// TaskQueue filters by task queue when non-empty.
	TaskQueue string
	PageSize  int
	PageToken []byte
}

// ListWorkflowExecutionsResponse is one page of execution records.
type ListWorkflowExecutionsResponse struct {
	Executions    []*types.WorkflowExecution
	NextPageToken []byte
}

// GetHistoryRequest reads a page of history in event ID order.
type GetHistoryRequest struct {
	NamespaceID  string
	WorkflowID   string
	RunID        string
	FirstEventID int64
	PageSize     int
}

// HistoryBatch is one page of history events. Pagination continues from
// LastEventID+1.
type HistoryBatch struct {
	Events       []*types.HistoryEvent
	FirstEventID int64
	LastEventID  int64
	IsLastBatch  bool
}

// ExecutionStore persists workflow executions and their history. History rows
// are immutable; mutable state is guarded by optimistic versioning.
type ExecutionStore interface {
	CreateWorkflowExecution(ctx context.Context, request *CreateWorkflowExecutionRequest) error
	GetWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error)
	// GetCurrentExecution returns the latest run for a workflow ID.
	GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, request *UpdateWorkflowExecutionRequest) error
	ListWorkflowExecutions(ctx context.Context, request *ListWorkflowExecutionsRequest) (*ListWorkflowExecutionsResponse, error)
	GetHistory(ctx context.Context, request *GetHistoryRequest) (*HistoryBatch, error)
	// ValidateEventSequence is true iff stored event IDs for the run are the
	// contiguous sequence 1..N.
	ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error)
	DeleteWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) error
}
