package history

//go:generate mockgen -package $GOPACKAGE -source $GOFILE -destination=engine_mock.go Engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/orcaflow/orca/common/backoff"
	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/metrics"
	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/types"
	"github.com/orcaflow/orca/service/matching"
	"github.com/orcaflow/orca/service/shardmanager"
)

const (
	conflictRetryInterval = 10 * time.Millisecond
	longPollInterval      = 100 * time.Millisecond
)

// StartWorkflowRequest starts a new run. WorkflowID is generated when empty.
type StartWorkflowRequest struct {
	NamespaceID  string
	WorkflowID   string
	WorkflowType string
	TaskQueue    string
	Input        []byte
	Memo         map[string]string
}

// StartWorkflowResponse identifies the created run.
type StartWorkflowResponse struct {
	WorkflowID string
	RunID      string
}

// SignalWorkflowRequest delivers a named signal to a running workflow. RunID
// empty targets the current run.
type SignalWorkflowRequest struct {
	NamespaceID string
	WorkflowID  string
	RunID       string
	SignalName  string
	Input       []byte
}

// QueryWorkflowRequest reads workflow state. The read is strong: it reflects
// the latest persisted version of the run.
type QueryWorkflowRequest struct {
	NamespaceID string
	WorkflowID  string
	RunID       string
	QueryName   string
}

// QueryWorkflowResponse is a consistent snapshot of the queried run.
type QueryWorkflowResponse struct {
	State  types.WorkflowState
	Result []byte
}

// GetWorkflowHistoryRequest reads one page of history. With WaitNewEvent the
// call long-polls until an event past FirstEventID exists or the poll times
// out, returning an empty page on timeout.
type GetWorkflowHistoryRequest struct {
	NamespaceID  string
	WorkflowID   string
	RunID        string
	FirstEventID int64
	PageSize     int
	WaitNewEvent bool
}

// RecordCompletionRequest closes a run with a worker-produced outcome.
// Success and Canceled are mutually exclusive; when both are false the run
// closes as Failed.
type RecordCompletionRequest struct {
	NamespaceID string
	WorkflowID  string
	RunID       string
	Success     bool
	Canceled    bool
	Result      []byte
	Failure     string
}

// signalPayload is the persisted body of a WorkflowExecutionSignaled event.
type signalPayload struct {
	SignalName string `json:"signalName"`
	Input      []byte `json:"input,omitempty"`
}

// Engine is the history service: the single writer for workflow execution
// state and history within the shards this host owns.
type Engine interface {
	StartWorkflow(ctx context.Context, request *StartWorkflowRequest) (*StartWorkflowResponse, error)
	GetWorkflow(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error)
	SignalWorkflow(ctx context.Context, request *SignalWorkflowRequest) error
	QueryWorkflow(ctx context.Context, request *QueryWorkflowRequest) (*QueryWorkflowResponse, error)
	CancelWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error
	TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error
	ListWorkflowExecutions(ctx context.Context, request *persistence.ListWorkflowExecutionsRequest) (*persistence.ListWorkflowExecutionsResponse, error)
	GetWorkflowHistory(ctx context.Context, request *GetWorkflowHistoryRequest) (*persistence.HistoryBatch, error)
	RecordCompletion(ctx context.Context, request *RecordCompletionRequest) error
}

type engineImpl struct {
	cfg            config.History
	execStore      persistence.ExecutionStore
	namespaceStore persistence.NamespaceStore
	shards         shardmanager.Manager
	matching       matching.Service
	timeSource     clock.TimeSource
	logger         log.Logger
	scope          tally.Scope
}

// EngineParams defines the history engine dependencies, for use with fx.
type EngineParams struct {
	fx.In

	Cfg            config.History
	ExecStore      persistence.ExecutionStore
	NamespaceStore persistence.NamespaceStore
	Shards         shardmanager.Manager
	Matching       matching.Service
	TimeSource     clock.TimeSource
	Logger         log.Logger
	Scope          tally.Scope
}

// NewEngine creates the history engine.
func NewEngine(p EngineParams) Engine {
	return &engineImpl{
		cfg:            p.Cfg,
		execStore:      p.ExecStore,
		namespaceStore: p.NamespaceStore,
		shards:         p.Shards,
		matching:       p.Matching,
		timeSource:     p.TimeSource,
		logger:         p.Logger,
		scope:          p.Scope,
	}
}

// Module provides the history engine to an fx application.
var Module = fx.Module("history",
	fx.Provide(NewEngine),
)

func (e *engineImpl) StartWorkflow(ctx context.Context, request *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	defer e.latency("StartWorkflow")()
	if request.NamespaceID == "" {
		return nil, &types.BadRequestError{Message: "namespace id is required"}
	}
	if request.WorkflowType == "" {
		return nil, &types.BadRequestError{Message: "workflow type is required"}
	}
	if request.TaskQueue == "" {
		return nil, &types.BadRequestError{Message: "task queue is required"}
	}
	namespace, err := e.namespaceStore.GetNamespaceByID(ctx, request.NamespaceID)
	if err != nil {
		return nil, err
	}
	if namespace.Status != types.NamespaceStatusActive {
		return nil, &types.FailedPreconditionError{Message: "namespace is not active: " + namespace.Name}
	}

	workflowID := request.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	shardID, err := e.ownShard(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := e.timeSource.Now()
	runID := uuid.NewString()
	execution := &types.WorkflowExecution{
		NamespaceID:  request.NamespaceID,
		WorkflowID:   workflowID,
		RunID:        runID,
		WorkflowType: request.WorkflowType,
		TaskQueue:    request.TaskQueue,
		State:        types.WorkflowStateRunning,
		NextEventID:  2,
		ShardID:      shardID,
		Version:      1,
		Input:        request.Input,
		Memo:         request.Memo,
		StartedAt:    now,
	}
	started := &types.HistoryEvent{
		NamespaceID:    request.NamespaceID,
		WorkflowID:     workflowID,
		RunID:          runID,
		EventID:        1,
		EventType:      types.EventTypeWorkflowExecutionStarted,
		EventTimestamp: now,
		TaskID:         types.TransientTaskID,
		Payload:        request.Input,
	}
	if err := e.execStore.CreateWorkflowExecution(ctx, &persistence.CreateWorkflowExecutionRequest{
		Execution:     execution,
		InitialEvents: []*types.HistoryEvent{started},
	}); err != nil {
		return nil, err
	}

	if err := e.scheduleWorkflowTask(ctx, execution); err != nil {
		// The run exists; the reclaim loops will not recover a task that was
		// never enqueued, so surface the error to the caller for a retry.
		e.logger.Error("enqueue first workflow task",
			tag.WorkflowID(workflowID), tag.WorkflowRunID(runID), tag.Error(err))
		return nil, err
	}

	e.scope.Counter(metrics.WorkflowStarted).Inc(1)
	e.logger.Info("workflow started",
		tag.Namespace(request.NamespaceID),
		tag.WorkflowID(workflowID),
		tag.WorkflowRunID(runID),
		tag.WorkflowType(request.WorkflowType),
		tag.TaskQueue(request.TaskQueue),
	)
	return &StartWorkflowResponse{WorkflowID: workflowID, RunID: runID}, nil
}

func (e *engineImpl) GetWorkflow(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	return e.resolveRun(ctx, namespaceID, workflowID, runID)
}

func (e *engineImpl) SignalWorkflow(ctx context.Context, request *SignalWorkflowRequest) error {
	if request.SignalName == "" {
		return &types.BadRequestError{Message: "signal name is required"}
	}
	execution, err := e.resolveRun(ctx, request.NamespaceID, request.WorkflowID, request.RunID)
	if err != nil {
		return err
	}
	if _, err := e.ownShard(ctx, execution.WorkflowID); err != nil {
		return err
	}

	payload, err := json.Marshal(&signalPayload{SignalName: request.SignalName, Input: request.Input})
	if err != nil {
		return &types.InternalServiceError{Message: "encode signal payload: " + err.Error()}
	}
	updated, err := e.updateExecution(ctx, request.NamespaceID, execution.WorkflowID, execution.RunID,
		func(exec *types.WorkflowExecution) ([]eventAttr, error) {
			if exec.State.IsTerminal() {
				return nil, &types.FailedPreconditionError{Message: "workflow is not running: " + exec.State.String()}
			}
			return []eventAttr{{
				eventType: types.EventTypeWorkflowExecutionSignaled,
				taskID:    types.TransientTaskID,
				payload:   payload,
			}}, nil
		})
	if err != nil {
		return err
	}
	// A signal schedules a new workflow task so the workflow can react.
	return e.scheduleWorkflowTask(ctx, updated)
}

func (e *engineImpl) QueryWorkflow(ctx context.Context, request *QueryWorkflowRequest) (*QueryWorkflowResponse, error) {
	execution, err := e.resolveRun(ctx, request.NamespaceID, request.WorkflowID, request.RunID)
	if err != nil {
		return nil, err
	}
	return &QueryWorkflowResponse{State: execution.State, Result: execution.Result}, nil
}

func (e *engineImpl) CancelWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error {
	execution, err := e.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return err
	}
	if _, err := e.ownShard(ctx, execution.WorkflowID); err != nil {
		return err
	}

	updated, err := e.updateExecution(ctx, namespaceID, execution.WorkflowID, execution.RunID,
		func(exec *types.WorkflowExecution) ([]eventAttr, error) {
			if exec.State.IsTerminal() {
				return nil, &types.FailedPreconditionError{Message: "workflow is not running: " + exec.State.String()}
			}
			exec.CancelRequested = true
			return []eventAttr{{
				eventType: types.EventTypeWorkflowExecutionCancelRequested,
				taskID:    types.TransientTaskID,
				payload:   []byte(reason),
			}}, nil
		})
	if err != nil {
		return err
	}
	// Cancellation is cooperative: the workflow observes the request on its
	// next task and closes itself.
	return e.scheduleWorkflowTask(ctx, updated)
}

func (e *engineImpl) TerminateWorkflow(ctx context.Context, namespaceID, workflowID, runID, reason string) error {
	execution, err := e.resolveRun(ctx, namespaceID, workflowID, runID)
	if err != nil {
		return err
	}
	if _, err := e.ownShard(ctx, execution.WorkflowID); err != nil {
		return err
	}

	_, err = e.updateExecution(ctx, namespaceID, execution.WorkflowID, execution.RunID,
		func(exec *types.WorkflowExecution) ([]eventAttr, error) {
			if exec.State.IsTerminal() {
				return nil, &types.FailedPreconditionError{Message: "workflow already closed: " + exec.State.String()}
			}
			exec.State = types.WorkflowStateTerminated
			exec.Failure = reason
			exec.CompletionEventID = exec.NextEventID
			exec.CompletedAt = e.timeSource.Now()
			return []eventAttr{{
				eventType: types.EventTypeWorkflowExecutionTerminated,
				taskID:    types.TransientTaskID,
				payload:   []byte(reason),
			}}, nil
		})
	if err != nil {
		return err
	}
	e.scope.Counter(metrics.WorkflowTerminated).Inc(1)
	e.logger.Info("workflow terminated",
		tag.Namespace(namespaceID),
		tag.WorkflowID(execution.WorkflowID),
		tag.WorkflowRunID(execution.RunID),
		tag.Reason(reason),
	)
	return nil
}

func (e *engineImpl) ListWorkflowExecutions(ctx context.Context, request *persistence.ListWorkflowExecutionsRequest) (*persistence.ListWorkflowExecutionsResponse, error) {
	if request.NamespaceID == "" {
		return nil, &types.BadRequestError{Message: "namespace id is required"}
	}
	if request.PageSize <= 0 || request.PageSize > e.cfg.VisibilityMaxPageSize {
		request.PageSize = e.cfg.VisibilityMaxPageSize
	}
	return e.execStore.ListWorkflowExecutions(ctx, request)
}

func (e *engineImpl) GetWorkflowHistory(ctx context.Context, request *GetWorkflowHistoryRequest) (*persistence.HistoryBatch, error) {
	execution, err := e.resolveRun(ctx, request.NamespaceID, request.WorkflowID, request.RunID)
	if err != nil {
		return nil, err
	}

	pageSize := request.PageSize
	if pageSize <= 0 || pageSize > e.cfg.HistoryMaxPageSize {
		pageSize = e.cfg.HistoryMaxPageSize
	}
	firstEventID := request.FirstEventID
	if firstEventID <= 0 {
		firstEventID = 1
	}
	read := func() (*persistence.HistoryBatch, error) {
		return e.execStore.GetHistory(ctx, &persistence.GetHistoryRequest{
			NamespaceID:  request.NamespaceID,
			WorkflowID:   execution.WorkflowID,
			RunID:        execution.RunID,
			FirstEventID: firstEventID,
			PageSize:     pageSize,
		})
	}

	batch, err := read()
	if err != nil || len(batch.Events) > 0 || !request.WaitNewEvent {
		return batch, err
	}

	// Long poll: wait for an event at or past firstEventID, returning the
	// empty page when the poll window closes.
	deadline := e.timeSource.Now().Add(time.Duration(e.cfg.LongPollTimeoutSecs) * time.Second)
	for {
		if !e.timeSource.Now().Before(deadline) {
			return batch, nil
		}
		timer := e.timeSource.NewTimer(longPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		}
		if batch, err = read(); err != nil || len(batch.Events) > 0 {
			return batch, err
		}
	}
}

func (e *engineImpl) RecordCompletion(ctx context.Context, request *RecordCompletionRequest) error {
	defer e.latency("RecordCompletion")()
	if _, err := e.ownShard(ctx, request.WorkflowID); err != nil {
		return err
	}

	_, err := e.updateExecution(ctx, request.NamespaceID, request.WorkflowID, request.RunID,
		func(exec *types.WorkflowExecution) ([]eventAttr, error) {
			if exec.State.IsTerminal() {
				return nil, &types.FailedPreconditionError{Message: "workflow already closed: " + exec.State.String()}
			}
			exec.CompletionEventID = exec.NextEventID
			exec.CompletedAt = e.timeSource.Now()
			exec.LastProcessedEventID = exec.NextEventID
			if request.Success {
				exec.State = types.WorkflowStateCompleted
				exec.Result = request.Result
				return []eventAttr{{
					eventType: types.EventTypeWorkflowExecutionCompleted,
					taskID:    types.TransientTaskID,
					payload:   request.Result,
				}}, nil
			}
			if request.Canceled {
				exec.State = types.WorkflowStateCanceled
				exec.Failure = request.Failure
				return []eventAttr{{
					eventType: types.EventTypeWorkflowExecutionCanceled,
					taskID:    types.TransientTaskID,
					payload:   []byte(request.Failure),
				}}, nil
			}
			exec.State = types.WorkflowStateFailed
			exec.Failure = request.Failure
			return []eventAttr{{
				eventType: types.EventTypeWorkflowExecutionFailed,
				taskID:    types.TransientTaskID,
				payload:   []byte(request.Failure),
			}}, nil
		})
	if err != nil {
		return err
	}

	switch {
	case request.Success:
		e.scope.Counter(metrics.WorkflowCompleted).Inc(1)
	case !request.Canceled:
		e.scope.Counter(metrics.WorkflowFailed).Inc(1)
	}
	e.logger.Info("workflow closed",
		tag.Namespace(request.NamespaceID),
		tag.WorkflowID(request.WorkflowID),
		tag.WorkflowRunID(request.RunID),
		tag.Value(request.Success),
	)
	return nil
}

// latency times one engine operation; stop via the returned func.
func (e *engineImpl) latency(operation string) func() {
	stopwatch := metrics.OperationScope(e.scope, operation).
		Timer(metrics.RequestLatency).Start()
	return stopwatch.Stop
}

// ownShard verifies this host may write the workflow's shard, acquiring the
// lease on demand when the shard is unowned.
func (e *engineImpl) ownShard(ctx context.Context, workflowID string) (int, error) {
	shardID := e.shards.ShardID(workflowID)
	if e.shards.OwnsShard(ctx, shardID) {
		return shardID, nil
	}
	if _, err := e.shards.AcquireLease(ctx, shardID); err != nil {
		return 0, err
	}
	return shardID, nil
}

// resolveRun loads the run, falling back to the current run when runID is
// empty.
func (e *engineImpl) resolveRun(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	if workflowID == "" {
		return nil, &types.BadRequestError{Message: "workflow id is required"}
	}
	if runID == "" {
		return e.execStore.GetCurrentExecution(ctx, namespaceID, workflowID)
	}
	return e.execStore.GetWorkflowExecution(ctx, namespaceID, workflowID, runID)
}

// eventAttr is what a mutation contributes to history; the engine stamps the
// identifying fields and the event ID.
type eventAttr struct {
	eventType types.EventType
	taskID    int64
	payload   []byte
}

// updateExecution is the single write path: reload, mutate, append and
// advance under the version guard, with bounded retry on conflicts.
func (e *engineImpl) updateExecution(
	ctx context.Context,
	namespaceID, workflowID, runID string,
	mutate func(exec *types.WorkflowExecution) ([]eventAttr, error),
) (*types.WorkflowExecution, error) {
	var updated *types.WorkflowExecution
	policy := backoff.NewExponentialRetryPolicy(conflictRetryInterval).
		WithMaximumAttempts(e.cfg.ConflictRetryLimit)

	op := func() error {
		exec, err := e.execStore.GetWorkflowExecution(ctx, namespaceID, workflowID, runID)
		if err != nil {
			return err
		}
		attrs, err := mutate(exec)
		if err != nil {
			return err
		}

		now := e.timeSource.Now()
		events := make([]*types.HistoryEvent, 0, len(attrs))
		for _, attr := range attrs {
			events = append(events, &types.HistoryEvent{
				NamespaceID:    namespaceID,
				WorkflowID:     workflowID,
				RunID:          runID,
				EventID:        exec.NextEventID,
				EventType:      attr.eventType,
				EventTimestamp: now,
				TaskID:         attr.taskID,
				Payload:        attr.payload,
			})
			exec.NextEventID++
		}

		expected := exec.Version
		if err := e.execStore.UpdateWorkflowExecution(ctx, &persistence.UpdateWorkflowExecutionRequest{
			Execution:       exec,
			ExpectedVersion: expected,
			NewEvents:       events,
		}); err != nil {
			if types.IsConflict(err) {
				e.scope.Counter(metrics.HistoryConflict).Inc(1)
			}
			return err
		}
		e.scope.Counter(metrics.HistoryAppend).Inc(int64(len(events)))
		exec.Version = expected + 1
		updated = exec
		return nil
	}

	if err := backoff.Retry(ctx, e.timeSource, op, policy, types.IsConflict); err != nil {
		return nil, err
	}
	return updated, nil
}

// scheduleWorkflowTask enqueues a workflow task for the run on its configured
// task queue.
func (e *engineImpl) scheduleWorkflowTask(ctx context.Context, execution *types.WorkflowExecution) error {
	return e.matching.EnqueueTask(ctx, &types.TaskInfo{
		NamespaceID: execution.NamespaceID,
		QueueName:   execution.TaskQueue,
		QueueType:   types.QueueTypeWorkflow,
		WorkflowID:  execution.WorkflowID,
		RunID:       execution.RunID,
	})
}
