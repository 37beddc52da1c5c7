package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/types"
)

// ExecutionStore keeps workflow executions and their history in memory.
// Mutable state is guarded by the execution's optimistic version; history
// rows are append-only. Reads return copies so callers never alias store
// state.
type ExecutionStore struct {
	sync.RWMutex
	executions map[string]*types.WorkflowExecution
	histories  map[string][]*types.HistoryEvent
	// currentRun maps namespaceID/workflowID to the latest runID.
	currentRun map[string]string
}

// NewExecutionStore creates an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: make(map[string]*types.WorkflowExecution),
		histories:  make(map[string][]*types.HistoryEvent),
		currentRun: make(map[string]string),
	}
}

func runKey(namespaceID, workflowID, runID string) string {
	return namespaceID + "/" + workflowID + "/" + runID
}

func workflowKey(namespaceID, workflowID string) string {
	return namespaceID + "/" + workflowID
}

func (s *ExecutionStore) CreateWorkflowExecution(ctx context.Context, request *persistence.CreateWorkflowExecutionRequest) error {
	execution := request.Execution
	if execution.NamespaceID == "" || execution.WorkflowID == "" || execution.RunID == "" {
		return &types.BadRequestError{Message: "execution key is incomplete"}
	}
	if err := validateBatch(request.InitialEvents, 1, execution.NextEventID); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()

	wfKey := workflowKey(execution.NamespaceID, execution.WorkflowID)
	if currentRunID, ok := s.currentRun[wfKey]; ok {
		current := s.executions[runKey(execution.NamespaceID, execution.WorkflowID, currentRunID)]
		if current != nil && !current.State.IsTerminal() {
			return &types.WorkflowExecutionAlreadyStartedError{
				WorkflowID: execution.WorkflowID,
				RunID:      currentRunID,
			}
		}
	}

	key := runKey(execution.NamespaceID, execution.WorkflowID, execution.RunID)
	if _, ok := s.executions[key]; ok {
		return &types.WorkflowExecutionAlreadyStartedError{
			WorkflowID: execution.WorkflowID,
			RunID:      execution.RunID,
		}
	}

	stored := copyExecution(execution)
	stored.Version = 1
	s.executions[key] = stored
	s.histories[key] = copyEvents(request.InitialEvents)
	s.currentRun[wfKey] = execution.RunID
	return nil
}

func (s *ExecutionStore) GetWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) (*types.WorkflowExecution, error) {
	s.RLock()
	defer s.RUnlock()

	execution, ok := s.executions[runKey(namespaceID, workflowID, runID)]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("workflow execution not found: %s/%s", workflowID, runID)}
	}
	return copyExecution(execution), nil
}

func (s *ExecutionStore) GetCurrentExecution(ctx context.Context, namespaceID, workflowID string) (*types.WorkflowExecution, error) {
	s.RLock()
	defer s.RUnlock()

	runID, ok := s.currentRun[workflowKey(namespaceID, workflowID)]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("workflow not found: %s", workflowID)}
	}
	execution := s.executions[runKey(namespaceID, workflowID, runID)]
	return copyExecution(execution), nil
}

func (s *ExecutionStore) UpdateWorkflowExecution(ctx context.Context, request *persistence.UpdateWorkflowExecutionRequest) error {
	execution := request.Execution
	key := runKey(execution.NamespaceID, execution.WorkflowID, execution.RunID)

	s.Lock()
	defer s.Unlock()

	current, ok := s.executions[key]
	if !ok {
		return &types.EntityNotExistsError{Message: fmt.Sprintf("workflow execution not found: %s/%s", execution.WorkflowID, execution.RunID)}
	}
	if current.Version != request.ExpectedVersion {
		return &types.ConcurrencyConflictError{Expected: request.ExpectedVersion, Actual: current.Version}
	}
	if len(request.NewEvents) > 0 {
		if err := validateBatch(request.NewEvents, current.NextEventID, execution.NextEventID); err != nil {
			return err
		}
	} else if execution.NextEventID != current.NextEventID {
		return &types.HistoryEventError{Message: fmt.Sprintf(
			"next event id moved from %d to %d without events", current.NextEventID, execution.NextEventID)}
	}
	if execution.NextEventID < current.NextEventID {
		return &types.HistoryEventError{Message: "next event id may only increase"}
	}

	stored := copyExecution(execution)
	stored.Version = request.ExpectedVersion + 1
	s.executions[key] = stored
	if len(request.NewEvents) > 0 {
		s.histories[key] = append(s.histories[key], copyEvents(request.NewEvents)...)
	}
	return nil
}

func (s *ExecutionStore) ListWorkflowExecutions(ctx context.Context, request *persistence.ListWorkflowExecutionsRequest) (*persistence.ListWorkflowExecutionsResponse, error) {
	s.RLock()
	defer s.RUnlock()

	var matched []*types.WorkflowExecution
	for _, execution := range s.executions {
		if execution.NamespaceID != request.NamespaceID {
			continue
		}
		if request.State != nil && execution.State != *request.State {
			continue
		}
		if request.TaskQueue != "" && execution.TaskQueue != request.TaskQueue {
			continue
		}
		matched = append(matched, copyExecution(execution))
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.Before(matched[j].StartedAt)
		}
		if matched[i].WorkflowID != matched[j].WorkflowID {
			return matched[i].WorkflowID < matched[j].WorkflowID
		}
		return matched[i].RunID < matched[j].RunID
	})

	offset := 0
	if len(request.PageToken) > 0 {
		parsed, err := strconv.Atoi(string(request.PageToken))
		if err != nil {
			return nil, &types.BadRequestError{Message: "invalid page token"}
		}
		offset = parsed
	}
	if offset > len(matched) {
		offset = len(matched)
	}

	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = len(matched) - offset
	}
	end := offset + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	response := &persistence.ListWorkflowExecutionsResponse{
		Executions: matched[offset:end],
	}
	if end < len(matched) {
		response.NextPageToken = []byte(strconv.Itoa(end))
	}
	return response, nil
}

func (s *ExecutionStore) GetHistory(ctx context.Context, request *persistence.GetHistoryRequest) (*persistence.HistoryBatch, error) {
	s.RLock()
	defer s.RUnlock()

	key := runKey(request.NamespaceID, request.WorkflowID, request.RunID)
	history, ok := s.histories[key]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("workflow execution not found: %s/%s", request.WorkflowID, request.RunID)}
	}

	firstEventID := request.FirstEventID
	if firstEventID < 1 {
		firstEventID = 1
	}
	pageSize := request.PageSize
	if pageSize <= 0 {
		pageSize = len(history)
	}

	batch := &persistence.HistoryBatch{FirstEventID: firstEventID}
	for _, event := range history {
		if event.EventID < firstEventID {
			continue
		}
		if len(batch.Events) >= pageSize {
			break
		}
		batch.Events = append(batch.Events, copyEvent(event))
		batch.LastEventID = event.EventID
	}
	if len(batch.Events) == 0 {
		batch.FirstEventID = 0
		batch.IsLastBatch = true
		return batch, nil
	}
	batch.FirstEventID = batch.Events[0].EventID
	batch.IsLastBatch = batch.LastEventID >= history[len(history)-1].EventID
	return batch, nil
}

func (s *ExecutionStore) ValidateEventSequence(ctx context.Context, namespaceID, workflowID, runID string) (bool, error) {
	s.RLock()
	defer s.RUnlock()

	history, ok := s.histories[runKey(namespaceID, workflowID, runID)]
	if !ok {
		return false, &types.EntityNotExistsError{Message: fmt.Sprintf("workflow execution not found: %s/%s", workflowID, runID)}
	}
	for i, event := range history {
		if event.EventID != int64(i)+1 {
			return false, nil
		}
	}
	return true, nil
}

func (s *ExecutionStore) DeleteWorkflowExecution(ctx context.Context, namespaceID, workflowID, runID string) error {
	s.Lock()
	defer s.Unlock()

	key := runKey(namespaceID, workflowID, runID)
	if _, ok := s.executions[key]; !ok {
		return &types.EntityNotExistsError{Message: fmt.Sprintf("workflow execution not found: %s/%s", workflowID, runID)}
	}
	delete(s.executions, key)
	delete(s.histories, key)
	wfKey := workflowKey(namespaceID, workflowID)
	if s.currentRun[wfKey] == runID {
		delete(s.currentRun, wfKey)
	}
	return nil
}

// validateBatch rejects any batch that does not start at expectedFirst, is
// not contiguous, or whose resulting next event ID does not match
// newNextEventID. The whole batch is rejected; nothing is appended.
func validateBatch(events []*types.HistoryEvent, expectedFirst, newNextEventID int64) error {
	if len(events) == 0 {
		if newNextEventID != expectedFirst {
			return &types.HistoryEventError{Message: "empty batch cannot advance next event id"}
		}
		return nil
	}
	nextID := expectedFirst
	for _, event := range events {
		if event.EventID != nextID {
			return &types.HistoryEventError{Message: fmt.Sprintf(
				"event id out of sequence: got %d, want %d", event.EventID, nextID)}
		}
		nextID++
	}
	if newNextEventID != nextID {
		return &types.HistoryEventError{Message: fmt.Sprintf(
			"next event id mismatch: got %d, want %d", newNextEventID, nextID)}
	}
	return nil
}

func copyExecution(execution *types.WorkflowExecution) *types.WorkflowExecution {
	c := *execution
	if execution.Memo != nil {
		c.Memo = make(map[string]string, len(execution.Memo))
		for k, v := range execution.Memo {
			c.Memo[k] = v
		}
	}
	return &c
}

func copyEvent(event *types.HistoryEvent) *types.HistoryEvent {
	c := *event
	return &c
}

func copyEvents(events []*types.HistoryEvent) []*types.HistoryEvent {
	copied := make([]*types.HistoryEvent, 0, len(events))
	for _, event := range events {
		copied = append(copied, copyEvent(event))
	}
	return copied
}
