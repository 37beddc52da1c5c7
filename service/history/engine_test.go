package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/persistence/memorystore"
	"github.com/orcaflow/orca/common/types"
	"github.com/orcaflow/orca/service/matching"
	"github.com/orcaflow/orca/service/shardmanager"
)

type engineTestDeps struct {
	engine     Engine
	timeSource clock.MockedTimeSource
	execStore  *memorystore.ExecutionStore
	matching   matching.Service
}

func newTestEngine(t *testing.T) *engineTestDeps {
	t.Helper()

	timeSource := clock.NewMockedTimeSource()
	shardStore := memorystore.NewShardStore(timeSource)
	require.NoError(t, shardStore.InitializeShards(context.Background(), 8))
	execStore := memorystore.NewExecutionStore()
	namespaceStore := memorystore.NewNamespaceStore()
	require.NoError(t, namespaceStore.CreateNamespace(context.Background(), &types.NamespaceInfo{
		ID:            "ns-1",
		Name:          "default",
		RetentionDays: 30,
		Status:        types.NamespaceStatusActive,
	}))

	shards := shardmanager.NewManager(shardmanager.Params{
		Identity: "host-a",
		Cfg: config.Shard{
			ShardCount:    8,
			LeaseDuration: 60 * time.Second,
			RenewInterval: 30 * time.Second,
		},
		Store:      shardStore,
		TimeSource: timeSource,
		Logger:     log.NewNoop(),
		Scope:      tally.NoopScope,
	})
	matchingSvc := matching.NewService(matching.ServiceParams{
		Cfg: config.Matching{
			LeaseDuration:       60 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			LeaseSweepInterval:  30 * time.Second,
			RequeueDelay:        5 * time.Second,
			MaxDeliveryAttempts: 5,
			QueueCapacity:       1024,
			PollInterval:        50 * time.Millisecond,
		},
		TimeSource: timeSource,
		Logger:     log.NewNoop(),
		Scope:      tally.NoopScope,
	})

	engine := NewEngine(EngineParams{
		Cfg: config.History{
			RetentionDays:         30,
			ConflictRetryLimit:    5,
			LongPollTimeoutSecs:   30,
			HistoryMaxPageSize:    256,
			VisibilityMaxPageSize: 100,
		},
		ExecStore:      execStore,
		NamespaceStore: namespaceStore,
		Shards:         shards,
		Matching:       matchingSvc,
		TimeSource:     timeSource,
		Logger:         log.NewNoop(),
		Scope:          tally.NoopScope,
	})
	return &engineTestDeps{
		engine:     engine,
		timeSource: timeSource,
		execStore:  execStore,
		matching:   matchingSvc,
	}
}

func (d *engineTestDeps) startWorkflow(t *testing.T, workflowID string) *StartWorkflowResponse {
	t.Helper()
	resp, err := d.engine.StartWorkflow(context.Background(), &StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   workflowID,
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		Input:        []byte(`{"orderId":"ORD-0001","amount":99.99}`),
	})
	require.NoError(t, err)
	return resp
}

func TestEngine_StartWorkflow(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()

	resp := d.startWorkflow(t, "wf-1")
	assert.Equal(t, "wf-1", resp.WorkflowID)
	assert.NotEmpty(t, resp.RunID)

	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, execution.State)
	assert.Equal(t, int64(2), execution.NextEventID)
	assert.Equal(t, int64(1), execution.Version)

	// The first workflow task is on the queue.
	task, err := d.matching.PollTask(ctx, "ns-1", "orders", types.QueueTypeWorkflow, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "wf-1", task.Task.WorkflowID)
	assert.Equal(t, resp.RunID, task.Task.RunID)

	batch, err := d.engine.GetWorkflowHistory(ctx, &GetWorkflowHistoryRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
	})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, types.EventTypeWorkflowExecutionStarted, batch.Events[0].EventType)
	assert.Equal(t, int64(1), batch.Events[0].EventID)
}

func TestEngine_StartWorkflow_Validation(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()

	var badRequest *types.BadRequestError
	_, err := d.engine.StartWorkflow(ctx, &StartWorkflowRequest{NamespaceID: "ns-1", TaskQueue: "orders"})
	require.ErrorAs(t, err, &badRequest)

	_, err = d.engine.StartWorkflow(ctx, &StartWorkflowRequest{NamespaceID: "ns-1", WorkflowType: "order-processing"})
	require.ErrorAs(t, err, &badRequest)

	var notFound *types.EntityNotExistsError
	_, err = d.engine.StartWorkflow(ctx, &StartWorkflowRequest{
		NamespaceID:  "ns-missing",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
	})
	require.ErrorAs(t, err, &notFound)
}

func TestEngine_StartWorkflow_DuplicateRejected(t *testing.T) {
	d := newTestEngine(t)
	d.startWorkflow(t, "wf-1")

	_, err := d.engine.StartWorkflow(context.Background(), &StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
	})
	var alreadyStarted *types.WorkflowExecutionAlreadyStartedError
	require.ErrorAs(t, err, &alreadyStarted)
}

func TestEngine_RecordCompletion(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	result := []byte(`{"orderId":"ORD-0001","status":"Completed"}`)
	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
		Success:     true,
		Result:      result,
	}))

	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, execution.State)
	assert.Equal(t, result, execution.Result)
	assert.Equal(t, int64(2), execution.Version)
	assert.Equal(t, int64(2), execution.CompletionEventID)

	batch, err := d.engine.GetWorkflowHistory(ctx, &GetWorkflowHistoryRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
	})
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, types.EventTypeWorkflowExecutionCompleted, batch.Events[1].EventType)

	// Closing an already-closed run is a precondition failure.
	err = d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
		Success:     false,
		Failure:     "late failure",
	})
	var precondition *types.FailedPreconditionError
	require.ErrorAs(t, err, &precondition)
}

func TestEngine_RecordCompletion_Failure(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
		Success:     false,
		Failure:     "payment declined",
	}))

	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateFailed, execution.State)
	assert.Equal(t, "payment declined", execution.Failure)
}

func TestEngine_SignalWorkflow(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	// Drain the start task so the signal task is observable on its own.
	task, err := d.matching.PollTask(ctx, "ns-1", "orders", types.QueueTypeWorkflow, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, task.Complete())

	require.NoError(t, d.engine.SignalWorkflow(ctx, &SignalWorkflowRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		SignalName:  "approve",
		Input:       []byte(`{"approver":"ops"}`),
	}))

	batch, err := d.engine.GetWorkflowHistory(ctx, &GetWorkflowHistoryRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
	})
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, types.EventTypeWorkflowExecutionSignaled, batch.Events[1].EventType)

	var payload signalPayload
	require.NoError(t, json.Unmarshal(batch.Events[1].Payload, &payload))
	assert.Equal(t, "approve", payload.SignalName)

	// The signal scheduled a fresh workflow task.
	task, err = d.matching.PollTask(ctx, "ns-1", "orders", types.QueueTypeWorkflow, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	// Terminal runs reject signals.
	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-1", RunID: resp.RunID, Success: true,
	}))
	err = d.engine.SignalWorkflow(ctx, &SignalWorkflowRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-1", SignalName: "approve",
	})
	var precondition *types.FailedPreconditionError
	require.ErrorAs(t, err, &precondition)
}

func TestEngine_CancelWorkflow(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	require.NoError(t, d.engine.CancelWorkflow(ctx, "ns-1", "wf-1", resp.RunID, "user requested"))

	// Cancel is a request, not a closure.
	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, execution.State)
	assert.True(t, execution.CancelRequested)

	batch, err := d.engine.GetWorkflowHistory(ctx, &GetWorkflowHistoryRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
	})
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, types.EventTypeWorkflowExecutionCancelRequested, batch.Events[1].EventType)
}

func TestEngine_TerminateWorkflow(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	require.NoError(t, d.engine.TerminateWorkflow(ctx, "ns-1", "wf-1", resp.RunID, "stuck"))

	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateTerminated, execution.State)
	assert.Equal(t, "stuck", execution.Failure)
	assert.Equal(t, int64(2), execution.CompletionEventID)

	err = d.engine.TerminateWorkflow(ctx, "ns-1", "wf-1", resp.RunID, "again")
	var precondition *types.FailedPreconditionError
	require.ErrorAs(t, err, &precondition)
}

func TestEngine_QueryWorkflow_StrongRead(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	query, err := d.engine.QueryWorkflow(ctx, &QueryWorkflowRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		RunID:       resp.RunID,
		QueryName:   "status",
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateRunning, query.State)

	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-1", RunID: resp.RunID,
		Success: true, Result: []byte(`"done"`),
	}))

	// The query must observe the latest persisted state immediately.
	query, err = d.engine.QueryWorkflow(ctx, &QueryWorkflowRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		QueryName:   "status",
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowStateCompleted, query.State)
	assert.Equal(t, []byte(`"done"`), query.Result)
}

func TestEngine_ResolveCurrentRun(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	execution, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, execution.RunID)

	var notFound *types.EntityNotExistsError
	_, err = d.engine.GetWorkflow(ctx, "ns-1", "wf-unknown", "")
	require.ErrorAs(t, err, &notFound)
}

func TestEngine_ListWorkflowExecutions(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()

	d.startWorkflow(t, "wf-1")
	resp2 := d.startWorkflow(t, "wf-2")
	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-2", RunID: resp2.RunID, Success: true,
	}))

	running := types.WorkflowStateRunning
	page, err := d.engine.ListWorkflowExecutions(ctx, &persistence.ListWorkflowExecutionsRequest{
		NamespaceID: "ns-1",
		State:       &running,
	})
	require.NoError(t, err)
	require.Len(t, page.Executions, 1)
	assert.Equal(t, "wf-1", page.Executions[0].WorkflowID)
}

func TestEngine_GetWorkflowHistory_LongPoll(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	done := make(chan *persistence.HistoryBatch, 1)
	go func() {
		batch, err := d.engine.GetWorkflowHistory(ctx, &GetWorkflowHistoryRequest{
			NamespaceID:  "ns-1",
			WorkflowID:   "wf-1",
			RunID:        resp.RunID,
			FirstEventID: 2,
			WaitNewEvent: true,
		})
		if err == nil {
			done <- batch
		}
	}()

	// Let the long poll park on its timer, then close the run to produce the
	// awaited event.
	d.timeSource.BlockUntil(1)
	require.NoError(t, d.engine.RecordCompletion(ctx, &RecordCompletionRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-1", RunID: resp.RunID, Success: true,
	}))
	d.timeSource.Advance(200 * time.Millisecond)

	select {
	case batch := <-done:
		require.Len(t, batch.Events, 1)
		assert.Equal(t, int64(2), batch.Events[0].EventID)
		assert.Equal(t, types.EventTypeWorkflowExecutionCompleted, batch.Events[0].EventType)
	case <-time.After(time.Second):
		t.Fatal("long poll did not observe the new event")
	}
}

func TestEngine_SignalAfterExternalUpdate(t *testing.T) {
	d := newTestEngine(t)
	ctx := context.Background()
	resp := d.startWorkflow(t, "wf-1")

	// Another writer bumps the version first; the engine reloads and lands
	// its signal on top of the new version.
	execution, err := d.execStore.GetWorkflowExecution(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	execution.LastProcessedEventID = 1
	require.NoError(t, d.execStore.UpdateWorkflowExecution(ctx, &persistence.UpdateWorkflowExecutionRequest{
		Execution:       execution,
		ExpectedVersion: 1,
	}))

	require.NoError(t, d.engine.SignalWorkflow(ctx, &SignalWorkflowRequest{
		NamespaceID: "ns-1",
		WorkflowID:  "wf-1",
		SignalName:  "approve",
	}))

	final, err := d.engine.GetWorkflow(ctx, "ns-1", "wf-1", resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), final.Version)
}
