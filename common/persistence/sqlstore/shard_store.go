package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/types"
)

// ShardStore is the SQL shard lease table. Ownership transitions are
// conditional UPDATEs keyed on the recorded owner and expiry, so two hosts
// racing for a shard serialize at the database.
type ShardStore struct {
	db         *DB
	timeSource clock.TimeSource
}

// NewShardStore creates a shard store over db.
func NewShardStore(db *DB, timeSource clock.TimeSource) *ShardStore {
	return &ShardStore{db: db, timeSource: timeSource}
}

type shardRow struct {
	ShardID        int          `db:"shard_id"`
	OwnerIdentity  string       `db:"owner_identity"`
	LeaseExpiresAt sql.NullTime `db:"lease_expires_at"`
	RangeStart     int64        `db:"range_start"`
	RangeEnd       int64        `db:"range_end"`
	LastHeartbeat  sql.NullTime `db:"last_heartbeat"`
}

func (r *shardRow) toLease() *types.ShardLease {
	lease := &types.ShardLease{
		ShardID:       r.ShardID,
		OwnerIdentity: r.OwnerIdentity,
		RangeStart:    r.RangeStart,
		RangeEnd:      r.RangeEnd,
	}
	if r.LeaseExpiresAt.Valid {
		lease.LeaseExpiresAt = r.LeaseExpiresAt.Time
	}
	if r.LastHeartbeat.Valid {
		lease.LastHeartbeat = r.LastHeartbeat.Time
	}
	return lease
}

func (s *ShardStore) InitializeShards(ctx context.Context, count int) error {
	if count <= 0 {
		return &types.BadRequestError{Message: "shard count must be positive"}
	}
	return s.db.inTx(func(tx *sqlx.Tx) error {
		var existing int
		if err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM shards`); err != nil {
			return convertError("count shards", err)
		}
		if existing > 0 {
			if existing != count {
				return &types.BadRequestError{
					Message: "shard count is immutable after initialization",
				}
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
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO shards (shard_id, owner_identity, range_start, range_end) VALUES ($1, '', $2, $3)`,
				shardID, rangeStart, rangeEnd,
			); err != nil {
				return convertError("insert shard", err)
			}
		}
		return nil
	})
}

func (s *ShardStore) AcquireLease(ctx context.Context, shardID int, owner string, leaseDuration time.Duration) (*types.ShardLease, error) {
	now := s.timeSource.Now()
	expiry := now.Add(leaseDuration)

	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE shards
		SET owner_identity = $1, lease_expires_at = $2, last_heartbeat = $3
		WHERE shard_id = $4
		  AND (owner_identity = '' OR owner_identity = $1 OR lease_expires_at <= $3)`,
		owner, expiry, now, shardID,
	)
	if err != nil {
		return nil, convertError("acquire shard lease", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, convertError("acquire shard lease", err)
	}
	if affected == 0 {
		return s.unavailable(ctx, shardID)
	}
	return s.GetLease(ctx, shardID)
}

func (s *ShardStore) RenewLease(ctx context.Context, shardID int, owner string, extendBy time.Duration) (*types.ShardLease, error) {
	now := s.timeSource.Now()
	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE shards
		SET lease_expires_at = $1, last_heartbeat = $2
		WHERE shard_id = $3 AND owner_identity = $4 AND lease_expires_at > $2`,
		now.Add(extendBy), now, shardID, owner,
	)
	if err != nil {
		return nil, convertError("renew shard lease", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, convertError("renew shard lease", err)
	}
	if affected == 0 {
		return s.unavailable(ctx, shardID)
	}
	return s.GetLease(ctx, shardID)
}

func (s *ShardStore) ReleaseLease(ctx context.Context, shardID int, owner string) error {
	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE shards
		SET owner_identity = '', lease_expires_at = NULL
		WHERE shard_id = $1 AND owner_identity = $2`,
		shardID, owner,
	)
	if err != nil {
		return convertError("release shard lease", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return convertError("release shard lease", err)
	}
	if affected == 0 {
		lease, getErr := s.GetLease(ctx, shardID)
		if getErr != nil {
			return getErr
		}
		return &types.ShardUnavailableError{ShardID: shardID, Owner: lease.OwnerIdentity}
	}
	return nil
}

func (s *ShardStore) GetLease(ctx context.Context, shardID int) (*types.ShardLease, error) {
	var row shardRow
	err := s.db.conn.GetContext(ctx, &row,
		`SELECT shard_id, owner_identity, lease_expires_at, range_start, range_end, last_heartbeat
		 FROM shards WHERE shard_id = $1`, shardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.EntityNotExistsError{Message: "shard not found"}
	}
	if err != nil {
		return nil, convertError("get shard lease", err)
	}
	return row.toLease(), nil
}

func (s *ShardStore) GetOwnedShards(ctx context.Context, owner string) ([]int, error) {
	var shardIDs []int
	err := s.db.conn.SelectContext(ctx, &shardIDs, `
		SELECT shard_id FROM shards
		WHERE owner_identity = $1 AND lease_expires_at > $2
		ORDER BY shard_id`,
		owner, s.timeSource.Now(),
	)
	if err != nil {
		return nil, convertError("get owned shards", err)
	}
	return shardIDs, nil
}

func (s *ShardStore) ListAll(ctx context.Context) ([]*types.ShardLease, error) {
	var rows []shardRow
	err := s.db.conn.SelectContext(ctx, &rows, `
		SELECT shard_id, owner_identity, lease_expires_at, range_start, range_end, last_heartbeat
		FROM shards ORDER BY shard_id`)
	if err != nil {
		return nil, convertError("list shards", err)
	}
	leases := make([]*types.ShardLease, 0, len(rows))
	for i := range rows {
		leases = append(leases, rows[i].toLease())
	}
	return leases, nil
}

func (s *ShardStore) ReclaimExpired(ctx context.Context) (int, error) {
	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE shards
		SET owner_identity = '', lease_expires_at = NULL
		WHERE owner_identity <> '' AND lease_expires_at <= $1`,
		s.timeSource.Now(),
	)
	if err != nil {
		return 0, convertError("reclaim expired shard leases", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, convertError("reclaim expired shard leases", err)
	}
	return int(affected), nil
}

func (s *ShardStore) unavailable(ctx context.Context, shardID int) (*types.ShardLease, error) {
	lease, err := s.GetLease(ctx, shardID)
	if err != nil {
		return nil, err
	}
	return nil, &types.ShardUnavailableError{ShardID: shardID, Owner: lease.OwnerIdentity}
}
