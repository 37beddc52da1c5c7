package runtime

import (
	"sync"
)

// EffectResult is the persisted outcome of one captured effect. Failure
// non-empty means the effect failed; Payload is the JSON-encoded success
// value otherwise.
type EffectResult struct {
	Payload []byte
	Failure string
}

// EffectStore persists effect results across attempts of a run. Writes happen
// once per key; the key determines the value by contract.
type EffectStore interface {
	Get(runID, effectID string) (*EffectResult, bool)
	Put(runID, effectID string, result *EffectResult)
	// Clear drops all state for a run, once the run is closed.
	Clear(runID string)
}

// VersionStore persists version-gate decisions across attempts of a run.
type VersionStore interface {
	Get(runID, changeID string) (int, bool)
	Put(runID, changeID string, version int)
	Clear(runID string)
}

type memoryEffectStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]*EffectResult
}

// NewEffectStore returns an in-memory effect store.
func NewEffectStore() EffectStore {
	return &memoryEffectStore{runs: make(map[string]map[string]*EffectResult)}
}

func (s *memoryEffectStore) Get(runID, effectID string) (*EffectResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.runs[runID][effectID]
	return result, ok
}

func (s *memoryEffectStore) Put(runID, effectID string, result *EffectResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[runID] == nil {
		s.runs[runID] = make(map[string]*EffectResult)
	}
	s.runs[runID][effectID] = result
}

func (s *memoryEffectStore) Clear(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

type memoryVersionStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]int
}

// NewVersionStore returns an in-memory version decision store.
func NewVersionStore() VersionStore {
	return &memoryVersionStore{runs: make(map[string]map[string]int)}
}

func (s *memoryVersionStore) Get(runID, changeID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.runs[runID][changeID]
	return version, ok
}

func (s *memoryVersionStore) Put(runID, changeID string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[runID] == nil {
		s.runs[runID] = make(map[string]int)
	}
	s.runs[runID][changeID] = version
}

func (s *memoryVersionStore) Clear(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}
