package memorystore

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/types"
)

// ShardStore is the in-memory shard ownership table. It is the canonical
// implementation of the store contract; the sql and etcd backends mirror its
// semantics.
type ShardStore struct {
	sync.Mutex
	shards     map[int]*types.ShardLease
	timeSource clock.TimeSource
}

// NewShardStore creates an empty shard table.
func NewShardStore(timeSource clock.TimeSource) *ShardStore {
	return &ShardStore{
		shards:     make(map[int]*types.ShardLease),
		timeSource: timeSource,
	}
}

// InitializeShards creates count shard rows with evenly split hash ranges.
// Re-initialization with the same count is a no-op; a different count is
// rejected because the shard count is immutable after first init.
func (s *ShardStore) InitializeShards(ctx context.Context, count int) error {
	if count <= 0 {
		return &types.BadRequestError{Message: "shard count must be positive"}
	}

	s.Lock()
	defer s.Unlock()

	if len(s.shards) > 0 {
		if len(s.shards) != count {
			return &types.BadRequestError{Message: "shard count is immutable after initialization"}
		}
		return nil
	}

	rangeSize := math.MaxInt64 / int64(count)
	for i := 0; i < count; i++ {
		rangeEnd := int64(i+1) * rangeSize
		if i == count-1 {
			rangeEnd = math.MaxInt64
		}
		s.shards[i] = &types.ShardLease{
			ShardID:    i,
			RangeStart: int64(i) * rangeSize,
			RangeEnd:   rangeEnd,
		}
	}
	return nil
}

func (s *ShardStore) AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.ShardLease, error) {
	s.Lock()
	defer s.Unlock()

	shard, ok := s.shards[shardID]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: "shard does not exist"}
	}

	now := s.timeSource.Now()
	if shard.Owned(now) && shard.OwnerIdentity != owner {
		return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: shard.OwnerIdentity}
	}

	shard.OwnerIdentity = owner
	shard.LeaseExpiresAt = now.Add(leaseDuration)
	shard.LastHeartbeat = now
	return copyShard(shard), nil
}

func (s *ShardStore) RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.ShardLease, error) {
	s.Lock()
	defer s.Unlock()

	shard, ok := s.shards[shardID]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: "shard does not exist"}
	}

	now := s.timeSource.Now()
	if shard.OwnerIdentity != owner || !shard.Owned(now) {
		return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: shard.OwnerIdentity}
	}

	shard.LeaseExpiresAt = now.Add(extendBy)
	shard.LastHeartbeat = now
	return copyShard(shard), nil
}

func (s *ShardStore) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	s.Lock()
	defer s.Unlock()

	shard, ok := s.shards[shardID]
	if !ok {
		return &types.EntityNotExistsError{Message: "shard does not exist"}
	}
	if shard.OwnerIdentity != owner {
		return &types.ShardUnavailableError{ShardID: shardID, Owner: shard.OwnerIdentity}
	}

	shard.OwnerIdentity = ""
	shard.LeaseExpiresAt = time.Time{}
	return nil
}

func (s *ShardStore) GetLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	s.Lock()
	defer s.Unlock()

	shard, ok := s.shards[shardID]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: "shard does not exist"}
	}
	return copyShard(shard), nil
}

func (s *ShardStore) GetOwnedShards(ctx context.Context, owner string) ([]int, error) {
	s.Lock()
	defer s.Unlock()

	now := s.timeSource.Now()
	var owned []int
	for id, shard := range s.shards {
		if shard.OwnerIdentity == owner && shard.Owned(now) {
			owned = append(owned, id)
		}
	}
	return owned, nil
}

func (s *ShardStore) ListAll(ctx context.Context) ([]*types.ShardLease, error) {
	s.Lock()
	defer s.Unlock()

	leases := make([]*types.ShardLease, 0, len(s.shards))
	for _, shard := range s.shards {
		leases = append(leases, copyShard(shard))
	}
	return leases, nil
}

func (s *ShardStore) ReclaimExpired(ctx context.Context) (int, error) {
	s.Lock()
	defer s.Unlock()

	now := s.timeSource.Now()
	reclaimed := 0
	for _, shard := range s.shards {
		if shard.OwnerIdentity != "" && !shard.LeaseExpiresAt.After(now) {
			shard.OwnerIdentity = ""
			shard.LeaseExpiresAt = time.Time{}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func copyShard(shard *types.ShardLease) *types.ShardLease {
	c := *shard
	return &c
}
