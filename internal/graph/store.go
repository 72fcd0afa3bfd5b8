package graph

import (
	"context"
	"sync"

	"github.com/ppiankov/regtruth/internal/model"
)

// Store is the persistence contract the graph algorithms run on.
// OutgoingEdges must be backed by an index on (from id, relation).
type Store interface {
	// OutgoingEdges lists edges leaving fromID whose relation is in relations (all when empty)
	OutgoingEdges(ctx context.Context, fromID string, relations []model.Relation) ([]model.GraphEdge, error)
	// Edges lists every edge whose relation is in relations (all when empty)
	Edges(ctx context.Context, relations []model.Relation) ([]model.GraphEdge, error)
	// InsertEdge persists a new edge; edges are never updated
	InsertEdge(ctx context.Context, edge *model.GraphEdge) error
	// FindEdge returns the edge with exactly these endpoints and relation, or ErrEdgeNotFound
	FindEdge(ctx context.Context, fromID, toID string, relation model.Relation) (*model.GraphEdge, error)
}

// TxStore is a Store that can run a check-then-insert as one serializable transaction.
// The Store passed to fn is only valid inside fn.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Locker serializes precedence-graph writers. The critical section runs
// under held, which is cancelled once the lock is released or lost.
// unlock may be called more than once.
type Locker interface {
	Lock(ctx context.Context) (held context.Context, unlock func(), err error)
}

// LocalLocker is an in-process Locker; it honours context cancellation while waiting
type LocalLocker struct {
	once sync.Once
	sem  chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{}
	l.init()
	return l
}

func (l *LocalLocker) init() {
	l.once.Do(func() { l.sem = make(chan struct{}, 1) })
}

// Lock blocks until the lock is held or ctx is done
func (l *LocalLocker) Lock(ctx context.Context) (context.Context, func(), error) {
	l.init()
	select {
	case l.sem <- struct{}{}:
		held, cancel := context.WithCancel(ctx)
		var released sync.Once
		return held, func() {
			released.Do(func() {
				cancel()
				<-l.sem
			})
		}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// relationSet turns a relation list into a lookup set; an empty list means "all"
func relationSet(relations []model.Relation) map[model.Relation]bool {
	if len(relations) == 0 {
		return nil
	}
	set := make(map[model.Relation]bool, len(relations))
	for _, r := range relations {
		set[r] = true
	}
	return set
}

func inSet(set map[model.Relation]bool, r model.Relation) bool {
	return set == nil || set[r]
}
