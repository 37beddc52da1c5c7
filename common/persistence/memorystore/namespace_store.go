package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orcaflow/orca/common/types"
)

// NamespaceStore keeps tenant records in memory.
type NamespaceStore struct {
	sync.RWMutex
	byName map[string]*types.NamespaceInfo
	byID   map[string]string
}

// NewNamespaceStore creates an empty namespace store.
func NewNamespaceStore() *NamespaceStore {
	return &NamespaceStore{
		byName: make(map[string]*types.NamespaceInfo),
		byID:   make(map[string]string),
	}
}

func (s *NamespaceStore) CreateNamespace(ctx context.Context, info *types.NamespaceInfo) error {
	if info.Name == "" || info.ID == "" {
		return &types.BadRequestError{Message: "namespace id and name are required"}
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.byName[info.Name]; ok {
		return &types.BadRequestError{Message: fmt.Sprintf("namespace already exists: %s", info.Name)}
	}
	c := *info
	s.byName[info.Name] = &c
	s.byID[info.ID] = info.Name
	return nil
}

func (s *NamespaceStore) GetNamespace(ctx context.Context, name string) (*types.NamespaceInfo, error) {
	s.RLock()
	defer s.RUnlock()

	info, ok := s.byName[name]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", name)}
	}
	c := *info
	return &c, nil
}

func (s *NamespaceStore) GetNamespaceByID(ctx context.Context, id string) (*types.NamespaceInfo, error) {
	s.RLock()
	defer s.RUnlock()

	name, ok := s.byID[id]
	if !ok {
		return nil, &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", id)}
	}
	c := *s.byName[name]
	return &c, nil
}

func (s *NamespaceStore) ListNamespaces(ctx context.Context) ([]*types.NamespaceInfo, error) {
	s.RLock()
	defer s.RUnlock()

	namespaces := make([]*types.NamespaceInfo, 0, len(s.byName))
	for _, info := range s.byName {
		c := *info
		namespaces = append(namespaces, &c)
	}
	sort.Slice(namespaces, func(i, j int) bool {
		return namespaces[i].Name < namespaces[j].Name
	})
	return namespaces, nil
}

func (s *NamespaceStore) DeleteNamespace(ctx context.Context, name string) error {
	s.Lock()
	defer s.Unlock()

	info, ok := s.byName[name]
	if !ok {
		return &types.EntityNotExistsError{Message: fmt.Sprintf("namespace not found: %s", name)}
	}
	info.Status = types.NamespaceStatusDeleted
	return nil
}
