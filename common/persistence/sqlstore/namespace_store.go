package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orcaflow/orca/common/types"
)

// NamespaceStore is the SQL tenant registry. Deletes are soft: the row stays
// with status Deleted.
type NamespaceStore struct {
	db *DB
}

// NewNamespaceStore creates a namespace store over db.
func NewNamespaceStore(db *DB) *NamespaceStore {
	return &NamespaceStore{db: db}
}

type namespaceRow struct {
	ID              string       `db:"id"`
	Name            string       `db:"name"`
	RetentionDays   int32        `db:"retention_days"`
	ArchivalEnabled bool         `db:"archival_enabled"`
	Status          int32        `db:"status"`
	CreatedAt       sql.NullTime `db:"created_at"`
}

func (r *namespaceRow) toInfo() *types.NamespaceInfo {
	info := &types.NamespaceInfo{
		ID:              r.ID,
		Name:            r.Name,
		RetentionDays:   r.RetentionDays,
		ArchivalEnabled: r.ArchivalEnabled,
		Status:          types.NamespaceStatus(r.Status),
	}
	if r.CreatedAt.Valid {
		info.CreatedAt = r.CreatedAt.Time
	}
	return info
}

func (s *NamespaceStore) CreateNamespace(ctx context.Context, info *types.NamespaceInfo) error {
	var existing int
	if err := s.db.conn.GetContext(ctx, &existing,
		`SELECT COUNT(*) FROM namespaces WHERE name = $1`, info.Name,
	); err != nil {
		return convertError("check namespace", err)
	}
	if existing > 0 {
		return &types.BadRequestError{Message: fmt.Sprintf("namespace already exists: %s", info.Name)}
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO namespaces (id, name, retention_days, archival_enabled, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		info.ID, info.Name, info.RetentionDays, info.ArchivalEnabled, int32(info.Status), info.CreatedAt,
	)
	if err != nil {
		return convertError("insert namespace", err)
	}
	return nil
}

func (s *NamespaceStore) GetNamespace(ctx context.Context, name string) (*types.NamespaceInfo, error) {
	var row namespaceRow
	err := s.db.conn.GetContext(ctx, &row, `
		SELECT id, name, retention_days, archival_enabled, status, created_at
		FROM namespaces WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", name)}
	}
	if err != nil {
		return nil, convertError("get namespace", err)
	}
	return row.toInfo(), nil
}

func (s *NamespaceStore) GetNamespaceByID(ctx context.Context, id string) (*types.NamespaceInfo, error) {
	var row namespaceRow
	err := s.db.conn.GetContext(ctx, &row, `
		SELECT id, name, retention_days, archival_enabled, status, created_at
		FROM namespaces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", id)}
	}
	if err != nil {
		return nil, convertError("get namespace by id", err)
	}
	return row.toInfo(), nil
}

func (s *NamespaceStore) ListNamespaces(ctx context.Context) ([]*types.NamespaceInfo, error) {
	var rows []namespaceRow
	err := s.db.conn.SelectContext(ctx, &rows, `
		SELECT id, name, retention_days, archival_enabled, status, created_at
		FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, convertError("list namespaces", err)
	}
	infos := make([]*types.NamespaceInfo, 0, len(rows))
	for i := range rows {
		infos = append(infos, rows[i].toInfo())
	}
	return infos, nil
}

func (s *NamespaceStore) DeleteNamespace(ctx context.Context, name string) error {
	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE namespaces SET status = $1 WHERE name = $2`,
		int32(types.NamespaceStatusDeleted), name)
	if err != nil {
		return convertError("delete namespace", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return convertError("delete namespace", err)
	}
	if affected == 0 {
		return &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", name)}
	}
	return nil
}
