package graph

import (
	"context"
	"sync"

	"github.com/ppiankov/regtruth/internal/model"
)

// MemoryStore is an in-process TxStore with an adjacency index by from id.
// Edges live in one arena slice; the index holds positions into it.
type MemoryStore struct {
	mu     sync.RWMutex
	edges  []model.GraphEdge
	byFrom map[string][]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byFrom: make(map[string][]int)}
}

func (s *MemoryStore) OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryView{s}.OutgoingEdges(ctx, fromID, relations)
}

func (s *MemoryStore) Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryView{s}.Edges(ctx, relations)
}

func (s *MemoryStore) InsertEdge(ctx context.Context, edge *model.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memoryView{s}.InsertEdge(ctx, edge)
}

func (s *MemoryStore) FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memoryView{s}.FindEdge(ctx, fromID, toID, relation)
}

// WithTx holds the write lock for the whole of fn. Inserts made by fn are
// rolled back if fn returns an error.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark := len(s.edges)
	if err := fn(memoryView{s}); err != nil {
		s.truncate(mark)
		return err
	}
	return nil
}

// Len returns the number of stored edges
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

func (s *MemoryStore) truncate(mark int) {
	for i := len(s.edges) - 1; i >= mark; i-- {
		from := s.edges[i].FromRuleID
		idx := s.byFrom[from]
		s.byFrom[from] = idx[:len(idx)-1]
		if len(s.byFrom[from]) == 0 {
			delete(s.byFrom, from)
		}
	}
	s.edges = s.edges[:mark]
}

// memoryView accesses the store without locking; callers hold the lock
type memoryView struct {
	s *MemoryStore
}

func (v memoryView) OutgoingEdges(_ context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error) {
	set := relationSet(relations)
	var out []model.GraphEdge
	for _, i := range v.s.byFrom[fromID] {
		if e := v.s.edges[i]; inSet(set, e.Relation) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v memoryView) Edges(_ context.Context, relations []model.Relation) ([]model.GraphEdge, error) {
	set := relationSet(relations)
	out := make([]model.GraphEdge, 0, len(v.s.edges))
	for _, e := range v.s.edges {
		if inSet(set, e.Relation) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v memoryView) InsertEdge(_ context.Context, edge *model.GraphEdge) error {
	v.s.edges = append(v.s.edges, *edge)
	v.s.byFrom[edge.FromRuleID] = append(v.s.byFrom[edge.FromRuleID], len(v.s.edges)-1)
	return nil
}

func (v memoryView) FindEdge(_ context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error) {
	for _, i := range v.s.byFrom[fromID] {
		if e := v.s.edges[i]; e.ToRuleID == toID && e.Relation == relation {
			return &e, nil
		}
	}
	return nil, ErrEdgeNotFound
}
