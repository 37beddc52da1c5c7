package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/persistence/memorystore"
	"github.com/orcaflow/orca/common/types"
	"github.com/orcaflow/orca/service/history"
	"github.com/orcaflow/orca/service/matching"
	"github.com/orcaflow/orca/service/shardmanager"
	"github.com/orcaflow/orca/worker/executor"
	"github.com/orcaflow/orca/worker/registry"
	"github.com/orcaflow/orca/worker/runtime"
)

type workerTestEnv struct {
	engine     history.Engine
	matching   matching.Service
	registry   *registry.Registry
	timeSource clock.MockedTimeSource
	worker     *Worker
}

type orderInput struct {
	OrderID string `json:"orderId"`
}

type orderOutput struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

func newWorkerTestEnv(t *testing.T) *workerTestEnv {
	t.Helper()

	// Registered before the Stop cleanup so the leak check runs after
	// teardown.
	t.Cleanup(func() { goleak.VerifyNone(t) })

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
	matchingCfg := config.Matching{
		LeaseDuration:       60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		LeaseSweepInterval:  30 * time.Second,
		RequeueDelay:        5 * time.Second,
		MaxDeliveryAttempts: 5,
		QueueCapacity:       1024,
		PollInterval:        50 * time.Millisecond,
	}
	matchingSvc := matching.NewService(matching.ServiceParams{
		Cfg:        matchingCfg,
		TimeSource: timeSource,
		Logger:     log.NewNoop(),
		Scope:      tally.NoopScope,
	})
	engine := history.NewEngine(history.EngineParams{
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

	reg := registry.New()
	w := New(Params{
		Identity:    "worker-host-1",
		Cfg:         config.Worker{Concurrency: 2},
		MatchingCfg: matchingCfg,
		Matching:    matchingSvc,
		Engine:      engine,
		Registry:    reg,
		TimeSource:  timeSource,
		Logger:      log.NewNoop(),
		Scope:       tally.NoopScope,
	}, "ns-1", "orders")

	t.Cleanup(func() {
		w.Stop()
		matchingSvc.Stop()
	})
	return &workerTestEnv{
		engine:     engine,
		matching:   matchingSvc,
		registry:   reg,
		timeSource: timeSource,
		worker:     w,
	}
}

func (env *workerTestEnv) awaitState(t *testing.T, runID string, want types.WorkflowState) *types.WorkflowExecution {
	t.Helper()
	var execution *types.WorkflowExecution
	require.Eventually(t, func() bool {
		// Nudge the mocked clock so requeue delays and poll timers elapse.
		env.timeSource.Advance(time.Second)
		var err error
		execution, err = env.engine.GetWorkflow(context.Background(), "ns-1", "wf-1", runID)
		return err == nil && execution.State == want
	}, 5*time.Second, 5*time.Millisecond, "workflow never reached state %s", want)
	return execution
}

func TestWorker_HappyPath(t *testing.T) {
	env := newWorkerTestEnv(t)
	require.NoError(t, registry.Register(env.registry, "order-processing",
		func(ctx context.Context, rt *runtime.Runtime, input orderInput) (orderOutput, error) {
			txn, err := runtime.Capture(rt, "payment::"+input.OrderID, func() (string, error) {
				return "txn-777", nil
			})
			if err != nil {
				return orderOutput{}, err
			}
			return orderOutput{OrderID: input.OrderID, Status: "Completed", TransactionID: txn}, nil
		}))
	require.NoError(t, env.worker.Start(context.Background()))

	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		Input:        []byte(`{"orderId":"ORD-0001"}`),
	})
	require.NoError(t, err)

	execution := env.awaitState(t, resp.RunID, types.WorkflowStateCompleted)
	assert.JSONEq(t, `{"orderId":"ORD-0001","status":"Completed","transactionId":"txn-777"}`, string(execution.Result))

	batch, err := env.engine.GetWorkflowHistory(context.Background(), &history.GetWorkflowHistoryRequest{
		NamespaceID: "ns-1", WorkflowID: "wf-1", RunID: resp.RunID,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(batch.Events), 2)
	assert.Equal(t, types.EventTypeWorkflowExecutionCompleted, batch.Events[len(batch.Events)-1].EventType)
}

func TestWorker_RetryableFailureReplays(t *testing.T) {
	env := newWorkerTestEnv(t)
	var effectInvocations, attempts atomic.Int32
	require.NoError(t, registry.Register(env.registry, "order-processing",
		func(ctx context.Context, rt *runtime.Runtime, input orderInput) (orderOutput, error) {
			txn, err := runtime.Capture(rt, "payment::"+input.OrderID, func() (string, error) {
				effectInvocations.Add(1)
				return "txn-42", nil
			})
			if err != nil {
				return orderOutput{}, err
			}
			if attempts.Add(1) == 1 {
				return orderOutput{}, executor.NewRetryableError(errors.New("downstream flake"))
			}
			return orderOutput{OrderID: input.OrderID, Status: "Completed", TransactionID: txn}, nil
		}))
	require.NoError(t, env.worker.Start(context.Background()))

	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		Input:        []byte(`{"orderId":"ORD-0001"}`),
	})
	require.NoError(t, err)

	execution := env.awaitState(t, resp.RunID, types.WorkflowStateCompleted)
	assert.Contains(t, string(execution.Result), "txn-42",
		"replayed attempt must see the captured effect result")
	assert.Equal(t, int32(1), effectInvocations.Load(),
		"effect function must run exactly once across attempts")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWorker_TerminalFailureClosesRun(t *testing.T) {
	env := newWorkerTestEnv(t)
	require.NoError(t, registry.Register(env.registry, "order-processing",
		func(ctx context.Context, rt *runtime.Runtime, input orderInput) (orderOutput, error) {
			return orderOutput{}, errors.New("validation failed for order")
		}))
	require.NoError(t, env.worker.Start(context.Background()))

	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		Input:        []byte(`{"orderId":"ORD-0001"}`),
	})
	require.NoError(t, err)

	execution := env.awaitState(t, resp.RunID, types.WorkflowStateFailed)
	assert.Contains(t, execution.Failure, "validation failed for order")
	assert.Equal(t, 0, env.matching.GetQueueDepth("ns-1", "orders", types.QueueTypeWorkflow))
}

func TestWorker_UnregisteredTypeFailsWithoutRequeue(t *testing.T) {
	env := newWorkerTestEnv(t)
	require.NoError(t, env.worker.Start(context.Background()))

	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "no-such-type",
		TaskQueue:    "orders",
	})
	require.NoError(t, err)

	execution := env.awaitState(t, resp.RunID, types.WorkflowStateFailed)
	assert.Contains(t, execution.Failure, "UnregisteredWorkflow")
}

func TestWorker_CancelRequestedClosesAsCanceled(t *testing.T) {
	env := newWorkerTestEnv(t)
	blocked := make(chan struct{})
	require.NoError(t, registry.Register(env.registry, "order-processing",
		func(ctx context.Context, rt *runtime.Runtime, input orderInput) (orderOutput, error) {
			<-blocked
			return orderOutput{}, executor.NewRetryableError(errors.New("try again"))
		}))

	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  "ns-1",
		WorkflowID:   "wf-1",
		WorkflowType: "order-processing",
		TaskQueue:    "orders",
		Input:        []byte(`{"orderId":"ORD-0001"}`),
	})
	require.NoError(t, err)

	// Request cancellation before any worker touches the run; the next
	// delivered task closes it as Canceled without invoking workflow code.
	require.NoError(t, env.engine.CancelWorkflow(context.Background(), "ns-1", "wf-1", resp.RunID, "user requested"))
	close(blocked)
	require.NoError(t, env.worker.Start(context.Background()))

	execution := env.awaitState(t, resp.RunID, types.WorkflowStateCanceled)
	assert.True(t, execution.CancelRequested)
}
