package runtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// NonDeterminismError means replayed workflow code diverged from the recorded
// decisions of a prior attempt. It is never retryable: retrying replays the
// same recorded state against the same code.
type NonDeterminismError struct {
	RunID   string
	Key     string
	Message string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow code: run %s, key %q: %s", e.RunID, e.Key, e.Message)
}

// EffectError is the replayed failure of a captured effect. The same failure
// is returned on every attempt of the run.
type EffectError struct {
	EffectID string
	Message  string
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %q failed: %s", e.EffectID, e.Message)
}

// ExecutionContext is the immutable snapshot of the run a workflow executes
// under.
type ExecutionContext struct {
	Namespace    string
	WorkflowID   string
	RunID        string
	TaskQueue    string
	StartedAt    time.Time
	LogicalClock uint64
	ReplayCount  uint32
}

// Options configure one runtime scope. Effects and Versions carry the
// persisted decisions of prior attempts and outlive the scope.
type Options struct {
	Namespace    string
	WorkflowID   string
	RunID        string
	TaskQueue    string
	StartedAt    time.Time
	InitialClock uint64
	ReplayCount  uint32
	Metadata     map[string]string
	Effects      EffectStore
	Versions     VersionStore
}

// openScopes enforces scope hygiene: a run has at most one open runtime scope
// in this process at a time.
var (
	openScopesMu sync.Mutex
	openScopes   = make(map[string]struct{})
)

// ScopeConflictError indicates the run already has an open scope in this
// process. It clears once the in-flight attempt settles.
type ScopeConflictError struct {
	RunID string
}

func (e *ScopeConflictError) Error() string {
	return fmt.Sprintf("run %s already has an open scope", e.RunID)
}

// Runtime is the per-run replay scope. It is not safe for concurrent use;
// workflow code is single-threaded per run by contract.
type Runtime struct {
	opts   Options
	clock  uint64
	closed bool
}

// Open starts a scope for the run. Opening a second scope for the same run
// before closing the first is a usage error.
func Open(opts Options) (*Runtime, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("runtime open: run id is required")
	}
	if opts.Effects == nil || opts.Versions == nil {
		return nil, fmt.Errorf("runtime open: effect and version stores are required")
	}

	openScopesMu.Lock()
	defer openScopesMu.Unlock()
	if _, open := openScopes[opts.RunID]; open {
		return nil, &ScopeConflictError{RunID: opts.RunID}
	}
	openScopes[opts.RunID] = struct{}{}
	return &Runtime{opts: opts, clock: opts.InitialClock}, nil
}

// Close releases the scope. Safe to call once; the scope is unusable after.
func (r *Runtime) Close() {
	if r.closed {
		return
	}
	r.closed = true
	openScopesMu.Lock()
	delete(openScopes, r.opts.RunID)
	openScopesMu.Unlock()
}

// Context returns a snapshot of the execution context.
func (r *Runtime) Context() ExecutionContext {
	return ExecutionContext{
		Namespace:    r.opts.Namespace,
		WorkflowID:   r.opts.WorkflowID,
		RunID:        r.opts.RunID,
		TaskQueue:    r.opts.TaskQueue,
		StartedAt:    r.opts.StartedAt,
		LogicalClock: r.clock,
		ReplayCount:  r.opts.ReplayCount,
	}
}

// Tick advances the logical clock and returns the new value.
func (r *Runtime) Tick() uint64 {
	r.clock++
	return r.clock
}

// Metadata reads one ambient metadata value.
func (r *Runtime) Metadata(key string) (string, bool) {
	v, ok := r.opts.Metadata[key]
	return v, ok
}

// ReplayCount reports how many times this run has been replayed before the
// current attempt.
func (r *Runtime) ReplayCount() uint32 {
	return r.opts.ReplayCount
}

// VersionDecision is the outcome of a version gate.
type VersionDecision struct {
	Version int
	IsNew   bool
}

// RequireVersion pins a code-change branch point. The first call for changeID
// records chooser(max) clamped to [min, max]; every later call, including on
// replay, returns the recorded version with IsNew false. A recorded version
// outside [min, max] means the code changed incompatibly under a recorded
// run.
func (r *Runtime) RequireVersion(changeID string, minVersion, maxVersion int, chooser func(max int) int) (VersionDecision, error) {
	if changeID == "" {
		return VersionDecision{}, fmt.Errorf("require version: change id is required")
	}
	if minVersion > maxVersion {
		return VersionDecision{}, fmt.Errorf("require version %q: min %d exceeds max %d", changeID, minVersion, maxVersion)
	}

	if recorded, ok := r.opts.Versions.Get(r.opts.RunID, changeID); ok {
		if recorded < minVersion || recorded > maxVersion {
			return VersionDecision{}, &NonDeterminismError{
				RunID:   r.opts.RunID,
				Key:     changeID,
				Message: fmt.Sprintf("recorded version %d outside supported range [%d, %d]", recorded, minVersion, maxVersion),
			}
		}
		return VersionDecision{Version: recorded, IsNew: false}, nil
	}

	chosen := maxVersion
	if chooser != nil {
		chosen = chooser(maxVersion)
	}
	if chosen < minVersion {
		chosen = minVersion
	}
	if chosen > maxVersion {
		chosen = maxVersion
	}
	r.opts.Versions.Put(r.opts.RunID, changeID, chosen)
	return VersionDecision{Version: chosen, IsNew: true}, nil
}

// Capture runs effectFn at most once per run for effectID. A replay returns
// the stored result, success or failure, without invoking effectFn. A stored
// payload that no longer decodes into T means the effect's shape changed
// under a recorded run.
func Capture[T any](r *Runtime, effectID string, effectFn func() (T, error)) (T, error) {
	var zero T
	if effectID == "" {
		return zero, fmt.Errorf("capture: effect id is required")
	}

	if stored, ok := r.opts.Effects.Get(r.opts.RunID, effectID); ok {
		if stored.Failure != "" {
			return zero, &EffectError{EffectID: effectID, Message: stored.Failure}
		}
		var value T
		if err := json.Unmarshal(stored.Payload, &value); err != nil {
			return zero, &NonDeterminismError{
				RunID:   r.opts.RunID,
				Key:     effectID,
				Message: "stored effect payload does not match the requested type: " + err.Error(),
			}
		}
		return value, nil
	}

	value, err := effectFn()
	if err != nil {
		r.opts.Effects.Put(r.opts.RunID, effectID, &EffectResult{Failure: err.Error()})
		return zero, &EffectError{EffectID: effectID, Message: err.Error()}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("capture %q: encode effect result: %w", effectID, err)
	}
	r.opts.Effects.Put(r.opts.RunID, effectID, &EffectResult{Payload: payload})
	return value, nil
}
