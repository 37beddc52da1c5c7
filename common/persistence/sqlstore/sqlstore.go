// Package sqlstore implements the persistence interfaces on a SQL database
// via sqlx. Semantics mirror memorystore; the optimistic version guard is a
// conditional UPDATE and history appends share its transaction.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/multierr"

	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/types"
)

// DB wraps the sqlx connection shared by the stores.
type DB struct {
	conn *sqlx.DB
}

// Connect opens the database described by cfg and verifies connectivity.
func Connect(cfg config.SQL) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s dbname=%s user=%s password=%s sslmode=disable",
		cfg.ConnectAddr, cfg.DatabaseName, cfg.User, cfg.Password,
	)
	conn, err := sqlx.Connect(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sql store: %w", err)
	}
	if cfg.MaxConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	return &DB{conn: conn}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// convertError wraps an unexpected database error as internal. Typed store
// errors never pass through here.
func convertError(op string, err error) error {
	return &types.InternalServiceError{Message: op + ": " + err.Error()}
}

// inTx runs fn inside a transaction, rolling back on error.
func (db *DB) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}
