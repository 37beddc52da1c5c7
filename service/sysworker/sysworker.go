package sysworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/multierr"

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
	// systemNamespaceID scopes queues that belong to the server itself.
	systemNamespaceID = "system"
	// timerQueue holds durable timers; entries become dispatchable at their
	// fire time.
	timerQueue = "system-timers"

	retentionSchedule = "@hourly"
	retentionPageSize = 100
	workerIdentity    = "sysworker"
)

// timerPayload is the persisted body of one durable timer task.
type timerPayload struct {
	NamespaceID string    `json:"namespaceId"`
	WorkflowID  string    `json:"workflowId"`
	RunID       string    `json:"runId"`
	FireAt      time.Time `json:"fireAt"`
}

// Service runs the server's background workers: the durable timer queue, the
// lease reclaim loop, and retention cleanup of closed runs.
type Service struct {
	shardCfg   config.Shard
	matching   matching.Service
	shards     shardmanager.Manager
	execStore  persistence.ExecutionStore
	namespaces persistence.NamespaceStore
	timeSource clock.TimeSource
	logger     log.Logger
	scope      tally.Scope

	cron     *cron.Cron
	cancel   context.CancelFunc
	stopC    chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// Params defines the system worker dependencies, for use with fx.
type Params struct {
	fx.In

	ShardCfg   config.Shard
	Matching   matching.Service
	Shards     shardmanager.Manager
	ExecStore  persistence.ExecutionStore
	Namespaces persistence.NamespaceStore
	TimeSource clock.TimeSource
	Logger     log.Logger
	Scope      tally.Scope
}

// New creates the system worker service.
func New(p Params) *Service {
	return &Service{
		shardCfg:   p.ShardCfg,
		matching:   p.Matching,
		shards:     p.Shards,
		execStore:  p.ExecStore,
		namespaces: p.Namespaces,
		timeSource: p.TimeSource,
		logger:     p.Logger,
		scope:      p.Scope,
		cron:       cron.New(),
		stopC:      make(chan struct{}),
	}
}

// Module provides the system workers to an fx application.
var Module = fx.Module("sysworker",
	fx.Provide(New),
	fx.Invoke(func(s *Service, lc fx.Lifecycle) {
		lc.Append(fx.StartStopHook(s.Start, s.Stop))
	}),
)

// Start launches the timer subscription, the reclaim loop and the retention
// cron.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	timers, err := s.matching.Subscribe(runCtx, systemNamespaceID, timerQueue, types.QueueTypeActivity, workerIdentity)
	if err != nil {
		cancel()
		return err
	}
	s.loopWG.Add(2)
	go s.timerLoop(runCtx, timers)
	go s.reclaimLoop()

	if _, err := s.cron.AddFunc(retentionSchedule, s.runRetention); err != nil {
		cancel()
		return err
	}
	s.cron.Start()
	s.logger.Info("system workers started")
	return nil
}

// Stop shuts the loops down and waits for them to drain.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
		if s.cancel != nil {
			s.cancel()
		}
		<-s.cron.Stop().Done()
	})
	s.loopWG.Wait()
	s.logger.Info("system workers stopped")
}

// ScheduleTimer enqueues a durable timer that schedules a workflow task for
// the run at fireAt.
func (s *Service) ScheduleTimer(ctx context.Context, namespaceID, workflowID, runID string, fireAt time.Time) error {
	payload, err := json.Marshal(&timerPayload{
		NamespaceID: namespaceID,
		WorkflowID:  workflowID,
		RunID:       runID,
		FireAt:      fireAt,
	})
	if err != nil {
		return err
	}
	return s.matching.EnqueueTask(ctx, &types.TaskInfo{
		NamespaceID: systemNamespaceID,
		QueueName:   timerQueue,
		QueueType:   types.QueueTypeActivity,
		WorkflowID:  workflowID,
		RunID:       runID,
		ScheduledAt: fireAt,
		Payload:     payload,
	})
}

// timerLoop turns fired timers into workflow tasks. The queue itself holds
// entries until their fire time.
func (s *Service) timerLoop(ctx context.Context, timers <-chan *matching.MatchingTask) {
	defer s.loopWG.Done()
	for task := range timers {
		s.fireTimer(ctx, task)
	}
}

func (s *Service) fireTimer(ctx context.Context, task *matching.MatchingTask) {
	var payload timerPayload
	if err := json.Unmarshal(task.Task.Payload, &payload); err != nil {
		s.logger.Error("decode timer payload", tag.TaskID(task.Task.TaskID), tag.Error(err))
		_ = task.Fail("malformed timer payload", false)
		return
	}

	execution, err := s.execStore.GetWorkflowExecution(ctx, payload.NamespaceID, payload.WorkflowID, payload.RunID)
	if err != nil || execution.State.IsTerminal() {
		// The run is gone or closed; the timer is moot.
		_ = task.Complete()
		return
	}

	if err := s.matching.EnqueueTask(ctx, &types.TaskInfo{
		NamespaceID: execution.NamespaceID,
		QueueName:   execution.TaskQueue,
		QueueType:   types.QueueTypeWorkflow,
		WorkflowID:  execution.WorkflowID,
		RunID:       execution.RunID,
	}); err != nil {
		s.logger.Error("schedule workflow task for fired timer",
			tag.WorkflowID(payload.WorkflowID), tag.Error(err))
		_ = task.Fail("enqueue workflow task: "+err.Error(), true)
		return
	}
	s.logger.Debug("timer fired",
		tag.WorkflowID(payload.WorkflowID),
		tag.WorkflowRunID(payload.RunID),
	)
	_ = task.Complete()
}

// reclaimLoop sweeps expired task leases and expired shard leases.
func (s *Service) reclaimLoop() {
	defer s.loopWG.Done()

	ticker := s.timeSource.NewTicker(s.shardCfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.Chan():
			s.reclaimOnce()
		}
	}
}

func (s *Service) reclaimOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shardCfg.SweepInterval)
	defer cancel()

	if _, err := s.matching.ReclaimExpiredLeases(ctx); err != nil {
		s.logger.Error("reclaim task leases", tag.Error(err))
	}
	if _, err := s.shards.ReclaimExpired(ctx); err != nil {
		s.logger.Error("reclaim shard leases", tag.Error(err))
	}
}

// runRetention deletes closed executions older than their namespace's
// retention window.
func (s *Service) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	namespaces, err := s.namespaces.ListNamespaces(ctx)
	if err != nil {
		s.logger.Error("list namespaces for retention", tag.Error(err))
		return
	}

	now := s.timeSource.Now()
	for _, namespace := range namespaces {
		cutoff := now.AddDate(0, 0, -int(namespace.RetentionDays))
		deleted, err := s.cleanupNamespace(ctx, namespace.ID, cutoff)
		if err != nil {
			s.logger.Error("retention cleanup",
				tag.Namespace(namespace.Name), tag.Error(err))
			continue
		}
		if deleted > 0 {
			metrics.NamespaceScope(s.scope, namespace.Name).
				Counter(metrics.RetentionDeleted).Inc(int64(deleted))
			s.logger.Info("retention cleanup removed closed runs",
				tag.Namespace(namespace.Name), tag.Counter(deleted))
		}
	}
}

func (s *Service) cleanupNamespace(ctx context.Context, namespaceID string, cutoff time.Time) (int, error) {
	deleted := 0
	var deleteErrs error
	var pageToken []byte
	for {
		page, err := s.execStore.ListWorkflowExecutions(ctx, &persistence.ListWorkflowExecutionsRequest{
			NamespaceID: namespaceID,
			PageSize:    retentionPageSize,
			PageToken:   pageToken,
		})
		if err != nil {
			return deleted, multierr.Append(deleteErrs, err)
		}
		for _, execution := range page.Executions {
			if !execution.State.IsTerminal() || execution.CompletedAt.After(cutoff) {
				continue
			}
			// A failed delete does not stop the pass; the rest of the page is
			// still reclaimable and the next run retries the leftovers.
			if err := s.execStore.DeleteWorkflowExecution(ctx, namespaceID, execution.WorkflowID, execution.RunID); err != nil {
				deleteErrs = multierr.Append(deleteErrs, err)
				continue
			}
			deleted++
		}
		if len(page.NextPageToken) == 0 {
			return deleted, deleteErrs
		}
		pageToken = page.NextPageToken
	}
}
