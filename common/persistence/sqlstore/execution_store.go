package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/types"
)

// ExecutionStore is the SQL execution and history store. The version guard is
// a conditional UPDATE on the executions row; the history append shares its
// transaction so "write history + advance pointer" commits or rolls back as
// one.
type ExecutionStore struct {
	db *DB
}

// NewExecutionStore creates an execution store over db.
func NewExecutionStore(db *DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

type executionRow struct {
	NamespaceID          string         `db:"namespace_id"`
	WorkflowID           string         `db:"workflow_id"`
	RunID                string         `db:"run_id"`
	WorkflowType         string         `db:"workflow_type"`
	TaskQueue            string         `db:"task_queue"`
	State                int32          `db:"state"`
	NextEventID          int64          `db:"next_event_id"`
	LastProcessedEventID int64          `db:"last_processed_event_id"`
	CompletionEventID    int64          `db:"completion_event_id"`
	ParentWorkflowID     string         `db:"parent_workflow_id"`
	ParentRunID          string         `db:"parent_run_id"`
	ShardID              int            `db:"shard_id"`
	Version              int64          `db:"version"`
	Input                []byte         `db:"input"`
	Result               []byte         `db:"result"`
	Failure              string         `db:"failure"`
	CancelRequested      bool           `db:"cancel_requested"`
	StartedAt            sql.NullTime   `db:"started_at"`
	CompletedAt          sql.NullTime   `db:"completed_at"`
}

const executionColumns = `namespace_id, workflow_id, run_id, workflow_type, task_queue, state,
	next_event_id, last_processed_event_id, completion_event_id,
	parent_workflow_id, parent_run_id, shard_id, version,
	input, result, failure, cancel_requested, started_at, completed_at`

func (r *executionRow) toExecution() *types.WorkflowExecution {
	execution := &types.WorkflowExecution{
		NamespaceID:          r.NamespaceID,
		WorkflowID:           r.WorkflowID,
		RunID:                r.RunID,
		WorkflowType:         r.WorkflowType,
		TaskQueue:            r.TaskQueue,
		State:                types.WorkflowState(r.State),
		NextEventID:          r.NextEventID,
		LastProcessedEventID: r.LastProcessedEventID,
		CompletionEventID:    r.CompletionEventID,
		ParentWorkflowID:     r.ParentWorkflowID,
		ParentRunID:          r.ParentRunID,
		ShardID:              r.ShardID,
		Version:              r.Version,
		Input:                r.Input,
		Result:               r.Result,
		Failure:              r.Failure,
		CancelRequested:      r.CancelRequested,
	}
	if r.StartedAt.Valid {
		execution.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		execution.CompletedAt = r.CompletedAt.Time
	}
	return execution
}

func insertExecution(ctx context.Context, tx *sqlx.Tx, execution *types.WorkflowExecution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		execution.NamespaceID, execution.WorkflowID, execution.RunID,
		execution.WorkflowType, execution.TaskQueue, int32(execution.State),
		execution.NextEventID, execution.LastProcessedEventID, execution.CompletionEventID,
		execution.ParentWorkflowID, execution.ParentRunID, execution.ShardID, execution.Version,
		execution.Input, execution.Result, execution.Failure, execution.CancelRequested,
		execution.StartedAt, nullTime(execution.CompletedAt),
	)
	return err
}

func insertEvents(ctx context.Context, tx *sqlx.Tx, events []*types.HistoryEvent) error {
	for _, event := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_events
				(namespace_id, workflow_id, run_id, event_id, event_type, event_timestamp, task_id, schema_version, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			event.NamespaceID, event.WorkflowID, event.RunID, event.EventID,
			int32(event.EventType), event.EventTimestamp, event.TaskID,
			event.SchemaVersion, event.Payload,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *ExecutionStore) CreateWorkflowExecution(ctx context.Context, request *persistence.CreateWorkflowExecutionRequest) error {
	execution := request.Execution
	if err := validateBatch(request.InitialEvents, 1, execution.NextEventID); err != nil {
		return err
	}

	return s.db.inTx(func(tx *sqlx.Tx) error {
		var current executionRow
		err := tx.GetContext(ctx, &current, `
			SELECT e.state, e.run_id
			FROM executions e
			JOIN current_executions c
			  ON c.namespace_id = e.namespace_id AND c.workflow_id = e.workflow_id AND c.run_id = e.run_id
			WHERE e.namespace_id = $1 AND e.workflow_id = $2`,
			execution.NamespaceID, execution.WorkflowID,
		)
		switch {
		case err == nil:
			if !types.WorkflowState(current.State).IsTerminal() {
				return &types.WorkflowExecutionAlreadyStartedError{
					WorkflowID: execution.WorkflowID,
					RunID:      current.RunID,
				}
			}
		case !errors.Is(err, sql.ErrNoRows):
			return convertError("load current execution", err)
		}

		if err := insertExecution(ctx, tx, execution); err != nil {
			return convertError("insert execution", err)
		}
		if err := insertEvents(ctx, tx, request.InitialEvents); err != nil {
			return convertError("insert initial events", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO current_executions (namespace_id, workflow_id, run_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (namespace_id, workflow_id) DO UPDATE SET run_id = $3`,
			execution.NamespaceID, execution.WorkflowID, execution.RunID,
		); err != nil {
			return convertError("upsert current execution", err)
		}
		return nil
	})
}

func (s *ExecutionStore) GetWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	var row executionRow
	err := s.db.conn.GetContext(ctx, &row, `
		SELECT `+executionColumns+` FROM executions
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
		namespaceID, workflowID, runID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.EntityNotExistsError{
			Message: fmt.Sprintf("workflow execution not found: %s/%s", workflowID, runID),
		}
	}
	if err != nil {
		return nil, convertError("get execution", err)
	}
	return row.toExecution(), nil
}

func (s *ExecutionStore) GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error) {
	var runID string
	err := s.db.conn.GetContext(ctx, &runID, `
		SELECT run_id FROM current_executions
		WHERE namespace_id = $1 AND workflow_id = $2`,
		namespaceID, workflowID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.EntityNotExistsError{
			Message: fmt.Sprintf("workflow not found: %s", workflowID),
		}
	}
	if err != nil {
		return nil, convertError("get current execution", err)
	}
	return s.GetWorkflowExecution(ctx, namespaceID, workflowID, runID)
}

func (s *ExecutionStore) UpdateWorkflowExecution(ctx context.Context, request *persistence.UpdateWorkflowExecutionRequest) error {
	execution := request.Execution

	return s.db.inTx(func(tx *sqlx.Tx) error {
		var current struct {
			Version     int64 `db:"version"`
			NextEventID int64 `db:"next_event_id"`
		}
		err := tx.GetContext(ctx, &current, `
			SELECT version, next_event_id FROM executions
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
			FOR UPDATE`,
			execution.NamespaceID, execution.WorkflowID, execution.RunID,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.EntityNotExistsError{
				Message: fmt.Sprintf("workflow execution not found: %s/%s", execution.WorkflowID, execution.RunID),
			}
		}
		if err != nil {
			return convertError("lock execution", err)
		}
		if current.Version != request.ExpectedVersion {
			return &types.ConcurrencyConflictError{
				Expected: request.ExpectedVersion,
				Actual:   current.Version,
			}
		}
		if err := validateBatch(request.NewEvents, current.NextEventID, execution.NextEventID); err != nil {
			return err
		}
		if len(request.NewEvents) == 0 && execution.NextEventID != current.NextEventID {
			return &types.HistoryEventError{
				Message: "next event id cannot advance without appended events",
			}
		}

		if err := insertEvents(ctx, tx, request.NewEvents); err != nil {
			return convertError("append history events", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET
				state = $1, next_event_id = $2, last_processed_event_id = $3,
				completion_event_id = $4, version = $5, result = $6, failure = $7,
				cancel_requested = $8, completed_at = $9
			WHERE namespace_id = $10 AND workflow_id = $11 AND run_id = $12`,
			int32(execution.State), execution.NextEventID, execution.LastProcessedEventID,
			execution.CompletionEventID, request.ExpectedVersion+1,
			execution.Result, execution.Failure, execution.CancelRequested,
			nullTime(execution.CompletedAt),
			execution.NamespaceID, execution.WorkflowID, execution.RunID,
		); err != nil {
			return convertError("update execution", err)
		}
		return nil
	})
}

func (s *ExecutionStore) ListWorkflowExecutions(ctx context.Context, request *persistence.ListWorkflowExecutionsRequest) (*persistence.ListWorkflowExecutionsResponse, error) {
	offset := 0
	if len(request.PageToken) > 0 {
		parsed, err := strconv.Atoi(string(request.PageToken))
		if err != nil {
			return nil, &types.BadRequestError{Message: "malformed page token"}
		}
		offset = parsed
	}
	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE namespace_id = $1`
	args := []interface{}{request.NamespaceID}
	if request.State != nil {
		args = append(args, int32(*request.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if request.TaskQueue != "" {
		args = append(args, request.TaskQueue)
		query += fmt.Sprintf(" AND task_queue = $%d", len(args))
	}
	args = append(args, pageSize+1, offset)
	query += fmt.Sprintf(" ORDER BY started_at, workflow_id, run_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows []executionRow
	if err := s.db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, convertError("list executions", err)
	}

	response := &persistence.ListWorkflowExecutionsResponse{}
	for i := range rows {
		if i == pageSize {
			response.NextPageToken = []byte(strconv.Itoa(offset + pageSize))
			break
		}
		response.Executions = append(response.Executions, rows[i].toExecution())
	}
	return response, nil
}

func (s *ExecutionStore) GetHistory(ctx context.Context, request *persistence.GetHistoryRequest) (*persistence.HistoryBatch, error) {
	if _, err := s.GetWorkflowExecution(ctx, request.NamespaceID, request.WorkflowID, request.RunID); err != nil {
		return nil, err
	}

	firstEventID := request.FirstEventID
	if firstEventID <= 0 {
		firstEventID = 1
	}
	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	type eventRow struct {
		NamespaceID    string       `db:"namespace_id"`
		WorkflowID     string       `db:"workflow_id"`
		RunID          string       `db:"run_id"`
		EventID        int64        `db:"event_id"`
		EventType      int32        `db:"event_type"`
		EventTimestamp sql.NullTime `db:"event_timestamp"`
		TaskID         int64        `db:"task_id"`
		SchemaVersion  int32        `db:"schema_version"`
		Payload        []byte       `db:"payload"`
	}
	var rows []eventRow
	err := s.db.conn.SelectContext(ctx, &rows, `
		SELECT namespace_id, workflow_id, run_id, event_id, event_type, event_timestamp, task_id, schema_version, payload
		FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3 AND event_id >= $4
		ORDER BY event_id
		LIMIT $5`,
		request.NamespaceID, request.WorkflowID, request.RunID, firstEventID, pageSize+1,
	)
	if err != nil {
		return nil, convertError("get history", err)
	}

	batch := &persistence.HistoryBatch{IsLastBatch: len(rows) <= pageSize}
	for i := range rows {
		if i == pageSize {
			break
		}
		row := rows[i]
		event := &types.HistoryEvent{
			NamespaceID:   row.NamespaceID,
			WorkflowID:    row.WorkflowID,
			RunID:         row.RunID,
			EventID:       row.EventID,
			EventType:     types.EventType(row.EventType),
			TaskID:        row.TaskID,
			SchemaVersion: row.SchemaVersion,
			Payload:       row.Payload,
		}
		if row.EventTimestamp.Valid {
			event.EventTimestamp = row.EventTimestamp.Time
		}
		batch.Events = append(batch.Events, event)
	}
	if len(batch.Events) > 0 {
		batch.FirstEventID = batch.Events[0].EventID
		batch.LastEventID = batch.Events[len(batch.Events)-1].EventID
	}
	return batch, nil
}

func (s *ExecutionStore) ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	var eventIDs []int64
	err := s.db.conn.SelectContext(ctx, &eventIDs, `
		SELECT event_id FROM history_events
		WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3
		ORDER BY event_id`,
		namespaceID, workflowID, runID,
	)
	if err != nil {
		return false, convertError("validate event sequence", err)
	}
	for i, eventID := range eventIDs {
		if eventID != int64(i)+1 {
			return false, nil
		}
	}
	return true, nil
}

func (s *ExecutionStore) DeleteWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) error {
	return s.db.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM history_events
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID,
		); err != nil {
			return convertError("delete history", err)
		}
		result, err := tx.ExecContext(ctx, `
			DELETE FROM executions
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID,
		)
		if err != nil {
			return convertError("delete execution", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return convertError("delete execution", err)
		}
		if affected == 0 {
			return &types.EntityNotExistsError{
				Message: fmt.Sprintf("workflow execution not found: %s/%s", workflowID, runID),
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM current_executions
			WHERE namespace_id = $1 AND workflow_id = $2 AND run_id = $3`,
			namespaceID, workflowID, runID,
		); err != nil {
			return convertError("delete current execution", err)
		}
		return nil
	})
}

// validateBatch rejects a whole event batch when it is not the contiguous
// run starting at expectedFirst, or when the declared next event ID does not
// land one past the batch.
func validateBatch(events []*types.HistoryEvent, expectedFirst, declaredNextEventID int64) error {
	if len(events) == 0 {
		return nil
	}
	next := expectedFirst
	for _, event := range events {
		if event.EventID != next {
			return &types.HistoryEventError{
				Message: fmt.Sprintf("event id %d out of sequence, expected %d", event.EventID, next),
			}
		}
		next++
	}
	if declaredNextEventID != next {
		return &types.HistoryEventError{
			Message: fmt.Sprintf("next event id %d does not follow appended batch ending at %d", declaredNextEventID, next-1),
		}
	}
	return nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
