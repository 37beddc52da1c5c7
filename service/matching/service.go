package matching

//go:generate mockgen -package $GOPACKAGE -source $GOFILE -destination=service_mock.go Service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/types"
)

// Service is the matching layer: it owns the task queues and bridges worker
// subscriptions to lease-bound delivery.
type Service interface {
	Start(ctx context.Context) error
	Stop()

	// EnqueueTask admits a task; blocks on backpressure when the queue is at
	// capacity.
	EnqueueTask(ctx context.Context, task *types.TaskInfo) error
	// PollTask performs a single poll; returns nil when nothing is
	// dispatchable.
	PollTask(ctx context.Context, namespaceID, queueName string, queueType types.QueueType, workerIdentity string) (*MatchingTask, error)
	// Subscribe streams leased tasks until ctx is done. Cancelling the
	// subscription fails outstanding undecided tasks with requeue.
	Subscribe(ctx context.Context, namespaceID, queueName string, queueType types.QueueType, workerIdentity string) (<-chan *MatchingTask, error)
	// ReclaimExpiredLeases sweeps every queue once.
	ReclaimExpiredLeases(ctx context.Context) (int, error)

	GetQueueDepth(namespaceID, queueName string, queueType types.QueueType) int
	ListQueues() map[string]int
	ListDeadLetterTasks(namespaceID, queueName string, queueType types.QueueType) []*types.TaskInfo
}

// MatchingTask is one leased delivery. Exactly one of Complete or Fail must
// be called; Heartbeat keeps the lease alive in between.
type MatchingTask struct {
	Task  *types.TaskInfo
	Lease *types.TaskLease

	queue   *taskQueue
	settled atomic.Bool
	detach  func(leaseID string)
}

// Complete permanently removes the task.
func (t *MatchingTask) Complete() error {
	t.markSettled()
	return t.queue.Complete(t.Lease.LeaseID)
}

// Fail releases the lease; with requeue the task becomes dispatchable again
// after the configured delay.
func (t *MatchingTask) Fail(reason string, requeue bool) error {
	t.markSettled()
	return t.queue.Fail(t.Lease.LeaseID, reason, requeue)
}

// Heartbeat extends the lease.
func (t *MatchingTask) Heartbeat() error {
	return t.queue.Heartbeat(t.Lease.LeaseID)
}

func (t *MatchingTask) markSettled() {
	if t.settled.CompareAndSwap(false, true) && t.detach != nil {
		t.detach(t.Lease.LeaseID)
	}
}

type serviceImpl struct {
	cfg        config.Matching
	timeSource clock.TimeSource
	logger     log.Logger
	scope      tally.Scope

	queuesLock sync.RWMutex
	queues     map[string]*taskQueue

	stopC    chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// ServiceParams defines the matching service dependencies, for use with fx.
type ServiceParams struct {
	fx.In

	Cfg        config.Matching
	TimeSource clock.TimeSource
	Logger     log.Logger
	Scope      tally.Scope
}

// NewService creates the matching service.
func NewService(p ServiceParams) Service {
	return &serviceImpl{
		cfg:        p.Cfg,
		timeSource: p.TimeSource,
		logger:     p.Logger,
		scope:      p.Scope,
		queues:     make(map[string]*taskQueue),
		stopC:      make(chan struct{}),
	}
}

// Module provides the matching service to an fx application.
var Module = fx.Module("matching",
	fx.Provide(NewService),
	fx.Invoke(func(s Service, lc fx.Lifecycle) {
		lc.Append(fx.StartStopHook(s.Start, s.Stop))
	}),
)

func (s *serviceImpl) Start(ctx context.Context) error {
	s.loopWG.Add(1)
	go s.sweepLoop()
	s.logger.Info("matching service started")
	return nil
}

func (s *serviceImpl) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
	})
	s.loopWG.Wait()
	s.logger.Info("matching service stopped")
}

func queueKey(namespaceID, queueName string, queueType types.QueueType) string {
	return namespaceID + "/" + queueType.String() + "/" + queueName
}

func (s *serviceImpl) getQueue(namespaceID, queueName string, queueType types.QueueType) *taskQueue {
	key := queueKey(namespaceID, queueName, queueType)

	s.queuesLock.RLock()
	q, ok := s.queues[key]
	s.queuesLock.RUnlock()
	if ok {
		return q
	}

	s.queuesLock.Lock()
	defer s.queuesLock.Unlock()
	if q, ok = s.queues[key]; ok {
		return q
	}
	q = newTaskQueue(key, queueOptions{
		Capacity:            s.cfg.QueueCapacity,
		LeaseDuration:       s.cfg.LeaseDuration,
		RequeueDelay:        s.cfg.RequeueDelay,
		MaxDeliveryAttempts: s.cfg.MaxDeliveryAttempts,
	}, s.timeSource, s.logger, s.scope)
	s.queues[key] = q
	return q
}

func (s *serviceImpl) snapshotQueues() []*taskQueue {
	s.queuesLock.RLock()
	defer s.queuesLock.RUnlock()
	queues := make([]*taskQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	return queues
}

func (s *serviceImpl) EnqueueTask(ctx context.Context, task *types.TaskInfo) error {
	if task.QueueName == "" {
		return &types.BadRequestError{Message: "queue name is required"}
	}
	q := s.getQueue(task.NamespaceID, task.QueueName, task.QueueType)
	return q.Enqueue(ctx, task)
}

func (s *serviceImpl) PollTask(ctx context.Context, namespaceID, queueName string, queueType types.QueueType, workerIdentity string) (*MatchingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := s.getQueue(namespaceID, queueName, queueType)
	lease := q.Poll(workerIdentity)
	if lease == nil {
		return nil, nil
	}
	return &MatchingTask{Task: lease.Task, Lease: lease, queue: q}, nil
}

func (s *serviceImpl) Subscribe(ctx context.Context, namespaceID, queueName string, queueType types.QueueType, workerIdentity string) (<-chan *MatchingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := s.getQueue(namespaceID, queueName, queueType)
	sub := &subscription{
		queue:          q,
		workerIdentity: workerIdentity,
		pollInterval:   s.cfg.PollInterval,
		timeSource:     s.timeSource,
		logger:         s.logger.WithTags(tag.TaskQueue(q.name), tag.WorkerIdentity(workerIdentity)),
		tasks:          make(chan *MatchingTask),
		outstanding:    make(map[string]*MatchingTask),
	}
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		sub.dispatchLoop(ctx, s.stopC)
	}()
	return sub.tasks, nil
}

func (s *serviceImpl) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	total := 0
	for _, q := range s.snapshotQueues() {
		total += q.reclaimExpired()
	}
	return total, nil
}

func (s *serviceImpl) GetQueueDepth(namespaceID, queueName string, queueType types.QueueType) int {
	s.queuesLock.RLock()
	q, ok := s.queues[queueKey(namespaceID, queueName, queueType)]
	s.queuesLock.RUnlock()
	if !ok {
		return 0
	}
	return q.Depth()
}

func (s *serviceImpl) ListQueues() map[string]int {
	depths := make(map[string]int)
	s.queuesLock.RLock()
	defer s.queuesLock.RUnlock()
	for key, q := range s.queues {
		depths[key] = q.Depth()
	}
	return depths
}

func (s *serviceImpl) ListDeadLetterTasks(namespaceID, queueName string, queueType types.QueueType) []*types.TaskInfo {
	s.queuesLock.RLock()
	q, ok := s.queues[queueKey(namespaceID, queueName, queueType)]
	s.queuesLock.RUnlock()
	if !ok {
		return nil
	}
	return q.DeadLetterTasks()
}

func (s *serviceImpl) sweepLoop() {
	defer s.loopWG.Done()

	ticker := s.timeSource.NewTicker(s.cfg.LeaseSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopC:
			return
		case <-ticker.Chan():
			for _, q := range s.snapshotQueues() {
				q.reclaimExpired()
			}
		}
	}
}

// subscription is one worker's stream over a queue. Outstanding tasks are the
// deliveries not yet completed or failed by the worker; they are failed with
// requeue when the subscription ends.
type subscription struct {
	queue          *taskQueue
	workerIdentity string
	pollInterval   time.Duration
	timeSource     clock.TimeSource
	logger         log.Logger

	tasks chan *MatchingTask

	outstandingLock sync.Mutex
	outstanding     map[string]*MatchingTask
}

func (sub *subscription) dispatchLoop(ctx context.Context, stopC <-chan struct{}) {
	defer close(sub.tasks)
	defer sub.abandonOutstanding()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopC:
			return
		default:
		}

		lease := sub.queue.Poll(sub.workerIdentity)
		if lease == nil {
			timer := sub.timeSource.NewTimer(sub.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stopC:
				timer.Stop()
				return
			case <-sub.queue.signal:
				timer.Stop()
			case <-timer.Chan():
			}
			continue
		}

		task := &MatchingTask{
			Task:   lease.Task,
			Lease:  lease,
			queue:  sub.queue,
			detach: sub.detach,
		}
		sub.track(task)

		select {
		case sub.tasks <- task:
		case <-ctx.Done():
			return
		case <-stopC:
			return
		}
	}
}

func (sub *subscription) track(task *MatchingTask) {
	sub.outstandingLock.Lock()
	sub.outstanding[task.Lease.LeaseID] = task
	sub.outstandingLock.Unlock()
}

func (sub *subscription) detach(leaseID string) {
	sub.outstandingLock.Lock()
	delete(sub.outstanding, leaseID)
	sub.outstandingLock.Unlock()
}

// abandonOutstanding fails undecided deliveries with requeue so another
// worker can pick them up.
func (sub *subscription) abandonOutstanding() {
	sub.outstandingLock.Lock()
	abandoned := make([]*MatchingTask, 0, len(sub.outstanding))
	for _, task := range sub.outstanding {
		abandoned = append(abandoned, task)
	}
	sub.outstandingLock.Unlock()

	for _, task := range abandoned {
		if err := task.Fail("subscription canceled", true); err != nil {
			continue
		}
		sub.logger.Debug("abandoned in-flight task on unsubscribe",
			tag.TaskID(task.Task.TaskID),
			tag.LeaseID(task.Lease.LeaseID),
		)
	}
}
