package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/types"
	"github.com/orcaflow/orca/worker/registry"
	"github.com/orcaflow/orca/worker/runtime"
)

// FailureKind classifies an execution outcome.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureUnregisteredWorkflow: the task names a workflow type this worker
	// does not know. A schema-level bug; never requeued.
	FailureUnregisteredWorkflow
	// FailureInputDeserialization: the persisted input does not decode into
	// the registered input type. Never requeued.
	FailureInputDeserialization
	// FailureWorkflowReturned: the workflow function returned an error.
	// Requeued only when the error is retryable.
	FailureWorkflowReturned
	// FailureWorkflowPanicked: the workflow function panicked, or the runtime
	// scope could not be opened. Never requeued.
	FailureWorkflowPanicked
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "None"
	case FailureUnregisteredWorkflow:
		return "UnregisteredWorkflow"
	case FailureInputDeserialization:
		return "InputDeserializationFailed"
	case FailureWorkflowReturned:
		return "WorkflowReturnedFailure"
	case FailureWorkflowPanicked:
		return "WorkflowPanicked"
	}
	return "Unknown"
}

// RetryableError marks a workflow-returned error as transient. Workflow code
// wraps errors it wants retried with NewRetryableError.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return e.Cause.Error() }
func (e *RetryableError) Unwrap() error { return e.Cause }

// NewRetryableError wraps err so the worker requeues the task instead of
// failing the workflow.
func NewRetryableError(err error) error {
	return &RetryableError{Cause: err}
}

// Result is the terminal decision for one delivered workflow task.
type Result struct {
	Kind   FailureKind
	Output []byte
	Err    error
}

// ShouldRequeue reports whether the task should go back on the queue. Only a
// workflow-returned error explicitly marked retryable, or a transient system
// error, qualifies; everything else is terminal.
func (r *Result) ShouldRequeue() bool {
	if r.Kind != FailureWorkflowReturned {
		return false
	}
	var retryable *RetryableError
	if errors.As(r.Err, &retryable) {
		return true
	}
	return types.IsTransient(r.Err)
}

// Executor binds a polled workflow task to registered workflow code and
// drives it through a runtime scope to a terminal decision.
type Executor struct {
	registry *registry.Registry
	effects  runtime.EffectStore
	versions runtime.VersionStore
	logger   log.Logger
}

// New creates an executor over the worker's registry and replay stores.
func New(reg *registry.Registry, effects runtime.EffectStore, versions runtime.VersionStore, logger log.Logger) *Executor {
	return &Executor{
		registry: reg,
		effects:  effects,
		versions: versions,
		logger:   logger,
	}
}

// Execute runs the workflow for one delivered task. attempt is the delivery
// attempt from the lease, 1-based. The runtime scope is closed before Execute
// returns, success or not.
func (e *Executor) Execute(ctx context.Context, execution *types.WorkflowExecution, attempt int32) *Result {
	fn, ok := e.registry.Get(execution.WorkflowType)
	if !ok {
		return &Result{
			Kind: FailureUnregisteredWorkflow,
			Err:  fmt.Errorf("workflow type %q is not registered", execution.WorkflowType),
		}
	}

	replayCount := uint32(0)
	if attempt > 1 {
		replayCount = uint32(attempt - 1)
	}
	rt, err := runtime.Open(runtime.Options{
		Namespace:   execution.NamespaceID,
		WorkflowID:  execution.WorkflowID,
		RunID:       execution.RunID,
		TaskQueue:   execution.TaskQueue,
		StartedAt:   execution.StartedAt,
		ReplayCount: replayCount,
		Metadata:    execution.Memo,
		Effects:     e.effects,
		Versions:    e.versions,
	})
	if err != nil {
		var conflict *runtime.ScopeConflictError
		if errors.As(err, &conflict) {
			// Another delivery of this run is mid-flight in this process; retry
			// once it settles.
			return &Result{Kind: FailureWorkflowReturned, Err: NewRetryableError(err)}
		}
		return &Result{Kind: FailureWorkflowPanicked, Err: err}
	}
	defer rt.Close()

	output, err := e.invoke(ctx, rt, fn, execution)
	if err != nil {
		var inputErr *registry.InputError
		if errors.As(err, &inputErr) {
			return &Result{Kind: FailureInputDeserialization, Err: err}
		}
		var panicked *panicError
		if errors.As(err, &panicked) {
			return &Result{Kind: FailureWorkflowPanicked, Err: err}
		}
		return &Result{Kind: FailureWorkflowReturned, Err: err}
	}
	return &Result{Kind: FailureNone, Output: output}
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("workflow panicked: %v", e.value)
}

// invoke calls the workflow function with panic containment. A panic in
// workflow code must fail the task, not the worker.
func (e *Executor) invoke(
	ctx context.Context,
	rt *runtime.Runtime,
	fn registry.WorkflowFunc,
	execution *types.WorkflowExecution,
) (output []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("workflow code panicked",
				tag.WorkflowID(execution.WorkflowID),
				tag.WorkflowRunID(execution.RunID),
				tag.WorkflowType(execution.WorkflowType),
				tag.Value(p),
			)
			err = &panicError{value: p}
		}
	}()
	return fn(ctx, rt, execution.Input)
}
