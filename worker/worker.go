package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/types"
	"github.com/orcaflow/orca/service/history"
	"github.com/orcaflow/orca/service/matching"
	"github.com/orcaflow/orca/worker/executor"
	"github.com/orcaflow/orca/worker/registry"
	"github.com/orcaflow/orca/worker/runtime"
)

// Worker subscribes to one workflow task queue and drives delivered tasks
// through the executor to a recorded outcome. One subscription feeds
// Concurrency processor goroutines. The replay stores are shared across every
// worker of a deployment, so a redelivered task lands on its recorded
// decisions no matter which worker picks it up.
type Worker struct {
	identity    string
	namespaceID string
	taskQueue   string
	cfg         config.Worker
	matchingCfg config.Matching

	matching matching.Service
	engine   history.Engine
	executor *executor.Executor
	effects  runtime.EffectStore
	versions runtime.VersionStore

	timeSource clock.TimeSource
	logger     log.Logger
	scope      tally.Scope

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Params defines the worker dependencies, for use with fx.
type Params struct {
	fx.In

	Identity    string `name:"hostIdentity"`
	Cfg         config.Worker
	MatchingCfg config.Matching
	Matching    matching.Service
	Engine      history.Engine
	Registry    *registry.Registry
	// Effects and Versions persist replay decisions across delivery attempts.
	// Deployments with more than one worker must share one pair, or a
	// redelivery to another worker replays against an empty store.
	Effects    runtime.EffectStore  `optional:"true"`
	Versions   runtime.VersionStore `optional:"true"`
	TimeSource clock.TimeSource
	Logger     log.Logger
	Scope      tally.Scope
}

// Module provides the deployment-wide replay stores every worker shares.
var Module = fx.Module("worker",
	fx.Provide(
		runtime.NewEffectStore,
		runtime.NewVersionStore,
	),
)

// New creates a worker for one namespace and task queue.
func New(p Params, namespaceID, taskQueue string) *Worker {
	identity := p.Identity
	if p.Cfg.Identity != "" {
		identity = p.Cfg.Identity
	}
	effects := p.Effects
	if effects == nil {
		effects = runtime.NewEffectStore()
	}
	versions := p.Versions
	if versions == nil {
		versions = runtime.NewVersionStore()
	}
	return &Worker{
		identity:    identity,
		namespaceID: namespaceID,
		taskQueue:   taskQueue,
		cfg:         p.Cfg,
		matchingCfg: p.MatchingCfg,
		matching:    p.Matching,
		engine:      p.Engine,
		executor:    executor.New(p.Registry, effects, versions, p.Logger),
		effects:     effects,
		versions:    versions,
		timeSource:  p.TimeSource,
		logger: p.Logger.WithTags(
			tag.WorkerIdentity(identity),
			tag.TaskQueue(taskQueue),
		),
		scope: p.Scope,
	}
}

// Start subscribes to the task queue and begins processing.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	tasks, err := w.matching.Subscribe(runCtx, w.namespaceID, w.taskQueue, types.QueueTypeWorkflow, w.identity)
	if err != nil {
		cancel()
		return err
	}

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(runCtx, tasks)
	}
	w.logger.Info("worker started", tag.Counter(w.cfg.Concurrency))
	return nil
}

// Stop cancels the subscription, which fails any undecided in-flight tasks
// with requeue, and waits for the processors to drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) processLoop(ctx context.Context, tasks <-chan *matching.MatchingTask) {
	defer w.wg.Done()
	for task := range tasks {
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task *matching.MatchingTask) {
	logger := w.logger.WithTags(
		tag.WorkflowID(task.Task.WorkflowID),
		tag.WorkflowRunID(task.Task.RunID),
		tag.TaskID(task.Task.TaskID),
		tag.Attempt(task.Lease.Attempt),
	)

	execution, err := w.engine.GetWorkflow(ctx, task.Task.NamespaceID, task.Task.WorkflowID, task.Task.RunID)
	if err != nil {
		var notFound *types.EntityNotExistsError
		if errors.As(err, &notFound) {
			// The run was deleted after the task was scheduled; the task is
			// moot.
			_ = task.Complete()
			return
		}
		logger.Error("load workflow execution", tag.Error(err))
		_ = task.Fail("load execution: "+err.Error(), true)
		return
	}
	if execution.State.IsTerminal() {
		// A stale task for a closed run; nothing to do.
		_ = task.Complete()
		return
	}
	if execution.CancelRequested {
		w.closeRun(ctx, task, &history.RecordCompletionRequest{
			NamespaceID: execution.NamespaceID,
			WorkflowID:  execution.WorkflowID,
			RunID:       execution.RunID,
			Canceled:    true,
			Failure:     "canceled by request",
		}, logger)
		return
	}

	// Keep the lease alive while the workflow runs; an expired lease cancels
	// the attempt so the requeued delivery does not race this one.
	taskCtx, cancelTask := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	w.wg.Add(1)
	go w.heartbeatLoop(taskCtx, cancelTask, task, heartbeatDone)

	result := w.executor.Execute(taskCtx, execution, task.Lease.Attempt)

	cancelTask()
	<-heartbeatDone

	switch {
	case result.Kind == executor.FailureNone:
		w.closeRun(ctx, task, &history.RecordCompletionRequest{
			NamespaceID: execution.NamespaceID,
			WorkflowID:  execution.WorkflowID,
			RunID:       execution.RunID,
			Success:     true,
			Result:      result.Output,
		}, logger)
		w.effects.Clear(execution.RunID)
		w.versions.Clear(execution.RunID)

	case result.ShouldRequeue():
		logger.Warn("workflow task failed, requeueing",
			tag.Reason(result.Kind.String()), tag.Error(result.Err))
		_ = task.Fail(result.Err.Error(), true)

	default:
		logger.Error("workflow task failed terminally",
			tag.Reason(result.Kind.String()), tag.Error(result.Err))
		w.closeRun(ctx, task, &history.RecordCompletionRequest{
			NamespaceID: execution.NamespaceID,
			WorkflowID:  execution.WorkflowID,
			RunID:       execution.RunID,
			Failure:     result.Kind.String() + ": " + result.Err.Error(),
		}, logger)
		w.effects.Clear(execution.RunID)
		w.versions.Clear(execution.RunID)
	}
}

// closeRun records the outcome in history and settles the lease. A lease that
// expired mid-flight is left to the sweep; a run closed concurrently by
// another writer is treated as settled.
func (w *Worker) closeRun(ctx context.Context, task *matching.MatchingTask, outcome *history.RecordCompletionRequest, logger log.Logger) {
	if err := w.engine.RecordCompletion(ctx, outcome); err != nil {
		var precondition *types.FailedPreconditionError
		if !errors.As(err, &precondition) {
			logger.Error("record workflow completion", tag.Error(err))
			_ = task.Fail("record completion: "+err.Error(), true)
			return
		}
	}
	if err := task.Complete(); err != nil {
		logger.Warn("complete task lease", tag.Error(err))
	}
}

// heartbeatLoop extends the task lease until the attempt finishes. Losing the
// lease cancels the attempt.
func (w *Worker) heartbeatLoop(ctx context.Context, cancelTask context.CancelFunc, task *matching.MatchingTask, done chan<- struct{}) {
	defer w.wg.Done()
	defer close(done)

	ticker := w.timeSource.NewTicker(w.matchingCfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := task.Heartbeat(); err != nil {
				w.logger.Warn("task lease lost mid-flight",
					tag.LeaseID(task.Lease.LeaseID), tag.Error(err))
				cancelTask()
				return
			}
		}
	}
}
