package host

import (
	"context"
	"testing"
	"time"

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
	"github.com/orcaflow/orca/worker"
	"github.com/orcaflow/orca/worker/registry"
	"github.com/orcaflow/orca/worker/runtime"
)

const (
	testNamespaceID = "ns-1"
	testTaskQueue   = "orders"
)

// orcaEnv is a full in-process deployment over the memory backend: shared
// stores, one matching service, and as many shard managers and workers as a
// test spawns. Workers share one replay store pair, as a deployment would.
type orcaEnv struct {
	t *testing.T

	shardStore  *memorystore.ShardStore
	execStore   *memorystore.ExecutionStore
	namespaces  *memorystore.NamespaceStore
	matching    matching.Service
	engine      history.Engine
	registry    *registry.Registry
	effects     runtime.EffectStore
	versions    runtime.VersionStore
	timeSource  clock.MockedTimeSource
	shardCfg    config.Shard
	matchingCfg config.Matching
}

func newOrcaEnv(t *testing.T) *orcaEnv {
	t.Helper()

	// Registered before any Stop cleanup so the leak check runs after the
	// env has torn down.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	timeSource := clock.NewMockedTimeSource()
	shardCfg := config.Shard{
		ShardCount:    8,
		LeaseDuration: 60 * time.Second,
		RenewInterval: 30 * time.Second,
		SweepInterval: 30 * time.Second,
	}
	matchingCfg := config.Matching{
		LeaseDuration:       60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		LeaseSweepInterval:  30 * time.Second,
		RequeueDelay:        5 * time.Second,
		MaxDeliveryAttempts: 5,
		QueueCapacity:       1024,
		PollInterval:        50 * time.Millisecond,
	}

	shardStore := memorystore.NewShardStore(timeSource)
	require.NoError(t, shardStore.InitializeShards(context.Background(), shardCfg.ShardCount))
	execStore := memorystore.NewExecutionStore()
	namespaces := memorystore.NewNamespaceStore()
	require.NoError(t, namespaces.CreateNamespace(context.Background(), &types.NamespaceInfo{
		ID:            testNamespaceID,
		Name:          "default",
		RetentionDays: 30,
		Status:        types.NamespaceStatusActive,
	}))

	matchingSvc := matching.NewService(matching.ServiceParams{
		Cfg:        matchingCfg,
		TimeSource: timeSource,
		Logger:     log.NewNoop(),
		Scope:      tally.NoopScope,
	})
	t.Cleanup(matchingSvc.Stop)

	env := &orcaEnv{
		t:           t,
		shardStore:  shardStore,
		execStore:   execStore,
		namespaces:  namespaces,
		matching:    matchingSvc,
		registry:    registry.New(),
		effects:     runtime.NewEffectStore(),
		versions:    runtime.NewVersionStore(),
		timeSource:  timeSource,
		shardCfg:    shardCfg,
		matchingCfg: matchingCfg,
	}
	env.engine = history.NewEngine(history.EngineParams{
		Cfg: config.History{
			RetentionDays:         30,
			ConflictRetryLimit:    5,
			LongPollTimeoutSecs:   30,
			HistoryMaxPageSize:    256,
			VisibilityMaxPageSize: 100,
		},
		ExecStore:      execStore,
		NamespaceStore: namespaces,
		Shards:         env.newShardManager("host-a"),
		Matching:       matchingSvc,
		TimeSource:     timeSource,
		Logger:         log.NewNoop(),
		Scope:          tally.NoopScope,
	})
	return env
}

// newShardManager builds a shard manager for one host identity over the shared
// shard store. The manager is not started; tests drive lease calls directly.
func (env *orcaEnv) newShardManager(identity string) shardmanager.Manager {
	return shardmanager.NewManager(shardmanager.Params{
		Identity:   identity,
		Cfg:        env.shardCfg,
		Store:      env.shardStore,
		TimeSource: env.timeSource,
		Logger:     log.NewNoop(),
		Scope:      tally.NoopScope,
	})
}

// startWorker spawns a started worker on the shared task queue. The worker is
// stopped on test cleanup unless the test stops it first; Stop is idempotent.
func (env *orcaEnv) startWorker(identity string) *worker.Worker {
	env.t.Helper()
	w := worker.New(worker.Params{
		Identity:    identity,
		Cfg:         config.Worker{Concurrency: 2},
		MatchingCfg: env.matchingCfg,
		Matching:    env.matching,
		Engine:      env.engine,
		Registry:    env.registry,
		Effects:     env.effects,
		Versions:    env.versions,
		TimeSource:  env.timeSource,
		Logger:      log.NewNoop(),
		Scope:       tally.NoopScope,
	}, testNamespaceID, testTaskQueue)
	require.NoError(env.t, w.Start(context.Background()))
	env.t.Cleanup(w.Stop)
	return w
}

func (env *orcaEnv) startWorkflow(workflowID, workflowType string, input []byte) *history.StartWorkflowResponse {
	env.t.Helper()
	resp, err := env.engine.StartWorkflow(context.Background(), &history.StartWorkflowRequest{
		NamespaceID:  testNamespaceID,
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		TaskQueue:    testTaskQueue,
		Input:        input,
	})
	require.NoError(env.t, err)
	return resp
}

// awaitState polls for the run to reach want, nudging the mocked clock so
// requeue delays and poll timers elapse.
func (env *orcaEnv) awaitState(workflowID, runID string, want types.WorkflowState) *types.WorkflowExecution {
	env.t.Helper()
	var execution *types.WorkflowExecution
	require.Eventually(env.t, func() bool {
		env.timeSource.Advance(time.Second)
		var err error
		execution, err = env.engine.GetWorkflow(context.Background(), testNamespaceID, workflowID, runID)
		return err == nil && execution.State == want
	}, 10*time.Second, 5*time.Millisecond, "workflow never reached state %s", want)
	return execution
}

func (env *orcaEnv) history(workflowID, runID string) []*types.HistoryEvent {
	env.t.Helper()
	batch, err := env.engine.GetWorkflowHistory(context.Background(), &history.GetWorkflowHistoryRequest{
		NamespaceID: testNamespaceID,
		WorkflowID:  workflowID,
		RunID:       runID,
	})
	require.NoError(env.t, err)
	return batch.Events
}
