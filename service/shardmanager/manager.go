package shardmanager

//go:generate mockgen -package $GOPACKAGE -source $GOFILE -destination=manager_mock.go Manager

import (
	"context"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/fx"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/metrics"
	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/types"
)

// Manager grants this host time-bounded ownership of history shards. It
// competes for unowned shards, renews held leases at half the lease duration,
// and exposes ownership checks to the history service. Losing a lease does
// not interrupt in-flight work; the versioned update guard at the store
// rejects writes from a stale owner.
type Manager interface {
	Start(ctx context.Context) error
	Stop()

	// ShardID maps a workflow ID to its shard under the configured count.
	ShardID(workflowID string) int
	// OwnsShard reports whether this host currently holds the shard lease.
	OwnsShard(ctx context.Context, shardID int) bool

	AcquireLease(ctx context.Context, shardID int) (*types.ShardLease, error)
	RenewLease(ctx context.Context, shardID int) (*types.ShardLease, error)
	ReleaseLease(ctx context.Context, shardID int) error
	GetLease(ctx context.Context, shardID int) (*types.ShardLease, error)
	GetOwnedShards(ctx context.Context) ([]int, error)
	ListAll(ctx context.Context) ([]*types.ShardLease, error)
	ReclaimExpired(ctx context.Context) (int, error)
}

type managerImpl struct {
	identity   string
	cfg        config.Shard
	store      persistence.ShardStore
	timeSource clock.TimeSource
	logger     log.Logger
	scope      tally.Scope

	stopC    chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// Params defines the manager dependencies, for use with fx.
type Params struct {
	fx.In

	Identity   string `name:"hostIdentity"`
	Cfg        config.Shard
	Store      persistence.ShardStore
	TimeSource clock.TimeSource
	Logger     log.Logger
	Scope      tally.Scope
}

// NewManager creates a shard manager for this host.
func NewManager(p Params) Manager {
	return &managerImpl{
		identity:   p.Identity,
		cfg:        p.Cfg,
		store:      p.Store,
		timeSource: p.TimeSource,
		logger:     p.Logger.WithTags(tag.ShardOwner(p.Identity)),
		scope:      p.Scope,
		stopC:      make(chan struct{}),
	}
}

// Module provides the shard manager to an fx application.
var Module = fx.Module("shard-manager",
	fx.Provide(NewManager),
	fx.Invoke(func(m Manager, lc fx.Lifecycle) {
		lc.Append(fx.StartStopHook(m.Start, m.Stop))
	}),
)

func (m *managerImpl) Start(ctx context.Context) error {
	if err := m.store.InitializeShards(ctx, m.cfg.ShardCount); err != nil {
		return err
	}
	m.loopWG.Add(1)
	go m.renewLoop()
	m.logger.Info("shard manager started", tag.Counter(m.cfg.ShardCount))
	return nil
}

func (m *managerImpl) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopC)
	})
	m.loopWG.Wait()
	m.logger.Info("shard manager stopped")
}

func (m *managerImpl) ShardID(workflowID string) int {
	return ShardID(workflowID, m.cfg.ShardCount)
}

func (m *managerImpl) OwnsShard(ctx context.Context, shardID int) bool {
	lease, err := m.store.GetLease(ctx, shardID)
	if err != nil {
		return false
	}
	return lease.OwnerIdentity == m.identity && lease.Owned(m.timeSource.Now())
}

func (m *managerImpl) AcquireLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	lease, err := m.store.AcquireLease(ctx, shardID, m.identity, m.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	m.scope.Counter(metrics.ShardLeaseAcquired).Inc(1)
	return lease, nil
}

func (m *managerImpl) RenewLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	lease, err := m.store.RenewLease(ctx, shardID, m.identity, m.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	m.scope.Counter(metrics.ShardLeaseRenewed).Inc(1)
	return lease, nil
}

func (m *managerImpl) ReleaseLease(ctx context.Context, shardID int) error {
	return m.store.ReleaseLease(ctx, shardID, m.identity)
}

func (m *managerImpl) GetLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	return m.store.GetLease(ctx, shardID)
}

func (m *managerImpl) GetOwnedShards(ctx context.Context) ([]int, error) {
	return m.store.GetOwnedShards(ctx, m.identity)
}

func (m *managerImpl) ListAll(ctx context.Context) ([]*types.ShardLease, error) {
	return m.store.ListAll(ctx)
}

func (m *managerImpl) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed, err := m.store.ReclaimExpired(ctx)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		m.scope.Counter(metrics.ShardLeaseExpired).Inc(int64(reclaimed))
		m.logger.Info("reclaimed expired shard leases", tag.Counter(reclaimed))
	}
	return reclaimed, nil
}

// renewLoop competes for unowned shards and renews held leases. AcquireLease
// doubles as renewal for shards this host already owns, so a single pass over
// the table is enough.
func (m *managerImpl) renewLoop() {
	defer m.loopWG.Done()

	ticker := m.timeSource.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopC:
			return
		case <-ticker.Chan():
			m.renewPass()
		}
	}
}

func (m *managerImpl) renewPass() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RenewInterval)
	defer cancel()

	leases, err := m.store.ListAll(ctx)
	if err != nil {
		m.logger.Error("list shards for renewal", tag.Error(err))
		return
	}

	now := m.timeSource.Now()
	for _, lease := range leases {
		held := lease.OwnerIdentity == m.identity
		if lease.Owned(now) && !held {
			continue
		}
		if _, err := m.store.AcquireLease(ctx, lease.ShardID, m.identity, m.cfg.LeaseDuration); err != nil {
			// Lost the race for this shard; another host owns it now.
			if held {
				m.scope.Counter(metrics.ShardLeaseLost).Inc(1)
				m.logger.Warn("lost shard lease", tag.ShardID(lease.ShardID), tag.Error(err))
			}
			continue
		}
		if held {
			m.scope.Counter(metrics.ShardLeaseRenewed).Inc(1)
		} else {
			m.scope.Counter(metrics.ShardLeaseAcquired).Inc(1)
		}
	}
}
