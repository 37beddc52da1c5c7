// Package etcdstore implements the shard lease table on etcd. Each shard is
// one key holding a JSON record; ownership transitions are transactions
// compared against the key's mod revision, so two hosts racing for a shard
// serialize at etcd.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/types"
)

// ShardStore is the etcd shard lease table.
type ShardStore struct {
	client     *clientv3.Client
	prefix     string
	timeSource clock.TimeSource
}

// Connect dials etcd with the configured endpoints.
func Connect(cfg config.Etcd) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return client, nil
}

// NewShardStore creates a shard store over client. All keys live under
// prefix/shards/.
func NewShardStore(client *clientv3.Client, prefix string, timeSource clock.TimeSource) *ShardStore {
	return &ShardStore{client: client, prefix: prefix, timeSource: timeSource}
}

type shardRecord struct {
	ShardID        int       `json:"shardId"`
	OwnerIdentity  string    `json:"ownerIdentity"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
	RangeStart     int64     `json:"rangeStart"`
	RangeEnd       int64     `json:"rangeEnd"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

func (r *shardRecord) toLease() *types.ShardLease {
	return &types.ShardLease{
		ShardID:        r.ShardID,
		OwnerIdentity:  r.OwnerIdentity,
		LeaseExpiresAt: r.LeaseExpiresAt,
		RangeStart:     r.RangeStart,
		RangeEnd:       r.RangeEnd,
		LastHeartbeat:  r.LastHeartbeat,
	}
}

// shardKey zero-pads the ID so lexicographic key order matches shard order.
func (s *ShardStore) shardKey(shardID int) string {
	return fmt.Sprintf("%s/shards/%05d", s.prefix, shardID)
}

func (s *ShardStore) shardsPrefix() string {
	return s.prefix + "/shards/"
}

func (s *ShardStore) InitializeShards(ctx context.Context, count int) error {
	if count <= 0 {
		return &types.BadRequestError{Message: "shard count must be positive"}
	}
	resp, err := s.client.Get(ctx, s.shardsPrefix(), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return convertError("count shards", err)
	}
	if resp.Count > 0 {
		if resp.Count != int64(count) {
			return &types.BadRequestError{Message: "shard count is immutable after initialization"}
		}
		return nil
	}

	rangeSize := math.MaxInt64 / int64(count)
	for shardID := 0; shardID < count; shardID++ {
		rangeStart := int64(shardID) * rangeSize
		rangeEnd := rangeStart + rangeSize
		if shardID == count-1 {
			rangeEnd = math.MaxInt64
		}
		record := &shardRecord{
			ShardID:    shardID,
			RangeStart: rangeStart,
			RangeEnd:   rangeEnd,
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return convertError("encode shard record", err)
		}
		key := s.shardKey(shardID)
		// Create only if absent so concurrent initializers converge.
		_, err = s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(payload))).
			Commit()
		if err != nil {
			return convertError("insert shard", err)
		}
	}
	return nil
}

func (s *ShardStore) AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.ShardLease, error) {
	now := s.timeSource.Now()
	record, modRevision, err := s.getRecord(ctx, shardID)
	if err != nil {
		return nil, err
	}
	available := record.OwnerIdentity == "" ||
		record.OwnerIdentity == owner ||
		!record.LeaseExpiresAt.After(now)
	if !available {
		return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: record.OwnerIdentity}
	}

	record.OwnerIdentity = owner
	record.LeaseExpiresAt = now.Add(leaseDuration)
	record.LastHeartbeat = now
	return s.commitRecord(ctx, shardID, record, modRevision)
}

func (s *ShardStore) RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.ShardLease, error) {
	now := s.timeSource.Now()
	record, modRevision, err := s.getRecord(ctx, shardID)
	if err != nil {
		return nil, err
	}
	if record.OwnerIdentity != owner || !record.LeaseExpiresAt.After(now) {
		return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: record.OwnerIdentity}
	}

	record.LeaseExpiresAt = now.Add(extendBy)
	record.LastHeartbeat = now
	return s.commitRecord(ctx, shardID, record, modRevision)
}

func (s *ShardStore) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	record, modRevision, err := s.getRecord(ctx, shardID)
	if err != nil {
		return err
	}
	if record.OwnerIdentity != owner {
		return &types.ShardUnavailableError{ShardID: shardID, Owner: record.OwnerIdentity}
	}

	record.OwnerIdentity = ""
	record.LeaseExpiresAt = time.Time{}
	_, err = s.commitRecord(ctx, shardID, record, modRevision)
	return err
}

func (s *ShardStore) GetLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	record, _, err := s.getRecord(ctx, shardID)
	if err != nil {
		return nil, err
	}
	return record.toLease(), nil
}

func (s *ShardStore) GetOwnedShards(ctx context.Context, owner string) ([]int, error) {
	records, err := s.listRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := s.timeSource.Now()
	var shardIDs []int
	for _, record := range records {
		if record.OwnerIdentity == owner && record.LeaseExpiresAt.After(now) {
			shardIDs = append(shardIDs, record.ShardID)
		}
	}
	return shardIDs, nil
}

func (s *ShardStore) ListAll(ctx context.Context) ([]*types.ShardLease, error) {
	records, err := s.listRecords(ctx)
	if err != nil {
		return nil, err
	}
	leases := make([]*types.ShardLease, 0, len(records))
	for _, record := range records {
		leases = append(leases, record.toLease())
	}
	return leases, nil
}

func (s *ShardStore) ReclaimExpired(ctx context.Context) (int, error) {
	resp, err := s.client.Get(ctx, s.shardsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, convertError("list shards", err)
	}
	now := s.timeSource.Now()
	reclaimed := 0
	for _, kv := range resp.Kvs {
		var record shardRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return reclaimed, convertError("decode shard record", err)
		}
		if record.OwnerIdentity == "" || record.LeaseExpiresAt.After(now) {
			continue
		}
		record.OwnerIdentity = ""
		record.LeaseExpiresAt = time.Time{}
		payload, err := json.Marshal(&record)
		if err != nil {
			return reclaimed, convertError("encode shard record", err)
		}
		// Skip shards that moved since the read; the next sweep revisits them.
		txnResp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpPut(string(kv.Key), string(payload))).
			Commit()
		if err != nil {
			return reclaimed, convertError("reclaim shard lease", err)
		}
		if txnResp.Succeeded {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *ShardStore) getRecord(ctx context.Context, shardID int) (*shardRecord, int64, error) {
	resp, err := s.client.Get(ctx, s.shardKey(shardID))
	if err != nil {
		return nil, 0, convertError("get shard record", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, &types.EntityNotExistsError{Message: "shard not found"}
	}
	var record shardRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return nil, 0, convertError("decode shard record", err)
	}
	return &record, resp.Kvs[0].ModRevision, nil
}

// commitRecord writes record iff the key has not moved since modRevision.
// A lost race reports the shard as held by whoever won it.
func (s *ShardStore) commitRecord(ctx context.Context, shardID int, record *shardRecord, modRevision int64) (*types.ShardLease, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, convertError("encode shard record", err)
	}
	key := s.shardKey(shardID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return nil, convertError("commit shard record", err)
	}
	if !resp.Succeeded {
		current, _, err := s.getRecord(ctx, shardID)
		if err != nil {
			return nil, err
		}
		return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: current.OwnerIdentity}
	}
	return record.toLease(), nil
}

func (s *ShardStore) listRecords(ctx context.Context) ([]*shardRecord, error) {
	resp, err := s.client.Get(ctx, s.shardsPrefix(), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, convertError("list shards", err)
	}
	records := make([]*shardRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record shardRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, convertError("decode shard record", err)
		}
		records = append(records, &record)
	}
	return records, nil
}

func convertError(op string, err error) error {
	return &types.InternalServiceError{Message: op + ": " + err.Error()}
}
