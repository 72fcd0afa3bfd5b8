package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/regtruth/internal/model"
)

func edge(from, to string, rel model.Relation) model.GraphEdge {
	return model.GraphEdge{FromRuleID: from, ToRuleID: to, Relation: rel}
}

func mustCreate(t *testing.T, m *Manager, e model.GraphEdge) *model.GraphEdge {
	t.Helper()
	created, err := m.CreateEdgeWithCycleCheck(context.Background(), e)
	require.NoError(t, err)
	return created
}

func TestWouldCreateCycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	mustCreate(t, m, edge("A", "B", model.RelationSupersedes))

	for _, rel := range model.PrecedenceRelations() {
		m := NewManager(NewMemoryStore())
		mustCreate(t, m, edge("A", "B", rel))

		cycle, err := m.WouldCreateCycle(ctx, "B", "A", rel)
		require.NoError(t, err)
		assert.True(t, cycle, "reverse %s edge must close a loop", rel)

		for _, other := range []model.Relation{model.RelationInterprets, model.RelationReferences, model.RelationImplements} {
			cycle, err := m.WouldCreateCycle(ctx, "B", "A", other)
			require.NoError(t, err)
			assert.False(t, cycle, "%s is not checked against %s edges", other, rel)
		}
	}

	t.Run("self loop", func(t *testing.T) {
		cycle, err := m.WouldCreateCycle(ctx, "X", "X")
		require.NoError(t, err)
		assert.True(t, cycle)
	})

	t.Run("transitive", func(t *testing.T) {
		mustCreate(t, m, edge("B", "C", model.RelationAmends))
		cycle, err := m.WouldCreateCycle(ctx, "C", "A")
		require.NoError(t, err)
		assert.True(t, cycle, "C -> A closes A -> B -> C across mixed precedence relations")
	})

	t.Run("unrelated nodes", func(t *testing.T) {
		cycle, err := m.WouldCreateCycle(ctx, "A", "Z")
		require.NoError(t, err)
		assert.False(t, cycle)
	})
}

func TestCreateEdgeWithCycleCheck_Rejects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	mustCreate(t, m, edge("A", "B", model.RelationSupersedes))
	mustCreate(t, m, edge("B", "C", model.RelationDependsOn))

	_, err := m.CreateEdgeWithCycleCheck(ctx, edge("C", "A", model.RelationRequires))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, "C", cycleErr.FromID)
	assert.Equal(t, "A", cycleErr.ToID)
	assert.Equal(t, model.RelationRequires, cycleErr.Relation)

	_, err = store.FindEdge(ctx, "C", "A", model.RelationRequires)
	assert.ErrorIs(t, err, ErrEdgeNotFound, "a rejected edge must not be persisted")
	assert.Equal(t, 2, store.Len())

	// deterministic: the same edge is rejected again
	_, err = m.CreateEdgeWithCycleCheck(ctx, edge("C", "A", model.RelationRequires))
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestCreateEdgeWithCycleCheck_NonPrecedenceCycles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	mustCreate(t, m, edge("A", "B", model.RelationSupersedes))
	created := mustCreate(t, m, edge("B", "A", model.RelationInterprets))
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	mustCreate(t, m, edge("A", "A", model.RelationReferences))

	found, err := store.FindEdge(ctx, "B", "A", model.RelationInterprets)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestCreateEdgeWithCycleCheck_Invalid(t *testing.T) {
	m := NewManager(NewMemoryStore())
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	tests := []struct {
		edge model.GraphEdge
		desc string
	}{
		{edge: edge("", "B", model.RelationAmends), desc: "missing from"},
		{edge: edge("A", "", model.RelationAmends), desc: "missing to"},
		{edge: edge("A", "B", model.Relation("REPLACES")), desc: "unknown relation"},
		{edge: model.GraphEdge{FromRuleID: "A", ToRuleID: "B", Relation: model.RelationAmends, ValidFrom: &from, ValidTo: &to}, desc: "inverted validity"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := m.CreateEdgeWithCycleCheck(context.Background(), tt.edge)
			assert.ErrorIs(t, err, ErrInvalidEdge)
		})
	}
}

func TestCreateEdgeWithCycleCheck_ConcurrentWriters(t *testing.T) {
	for round := 0; round < 20; round++ {
		store := NewMemoryStore()
		m := NewManager(store)

		var wg sync.WaitGroup
		var created, rejected atomic.Int32
		start := make(chan struct{})
		for _, e := range []model.GraphEdge{
			edge("A", "B", model.RelationSupersedes),
			edge("B", "A", model.RelationOverrides),
		} {
			wg.Add(1)
			go func(e model.GraphEdge) {
				defer wg.Done()
				<-start
				_, err := m.CreateEdgeWithCycleCheck(context.Background(), e)
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, ErrCycleDetected):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(e)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), created.Load(), "round %d", round)
		require.Equal(t, int32(1), rejected.Load(), "round %d", round)

		report, err := m.ValidateGraphAcyclicity(context.Background())
		require.NoError(t, err)
		require.True(t, report.IsValid)
	}
}

func TestCreateEdgeWithCycleCheck_LockOnlyStore(t *testing.T) {
	// embedding only the Store interface hides WithTx
	var s Store = struct{ Store }{NewMemoryStore()}
	_, isTx := s.(TxStore)
	require.False(t, isTx)

	m := NewManager(s)
	mustCreate(t, m, edge("A", "B", model.RelationAmends))
	_, err := m.CreateEdgeWithCycleCheck(context.Background(), edge("B", "A", model.RelationAmends))
	assert.ErrorIs(t, err, ErrCycleDetected)
}

// blockingLocker never grants the lock
type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context) (context.Context, func(), error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// expiringLocker grants the lock and loses it before the caller gets to work
type expiringLocker struct{}

func (expiringLocker) Lock(ctx context.Context) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	cancel(ErrLockLost)
	return held, func() {}, nil
}

func TestCreateEdgeWithCycleCheck_LockTimeout(t *testing.T) {
	m := NewManager(NewMemoryStore(), WithLocker(blockingLocker{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.CreateEdgeWithCycleCheck(ctx, edge("A", "B", model.RelationSupersedes))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// non-precedence edges do not take the lock
	_, err = m.CreateEdgeWithCycleCheck(context.Background(), edge("A", "B", model.RelationReferences))
	assert.NoError(t, err)
}

func TestCreateEdgeWithCycleCheck_LockLost(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := NewManager(s, WithLocker(expiringLocker{}))

	_, err := m.CreateEdgeWithCycleCheck(ctx, edge("A", "B", model.RelationSupersedes))
	assert.ErrorIs(t, err, ErrLockLost)

	edges, err := s.Edges(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, edges, "an insert without the lock must not land")
}

func TestValidateGraphAcyclicity(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		report, err := NewManager(NewMemoryStore()).ValidateGraphAcyclicity(ctx)
		require.NoError(t, err)
		assert.Equal(t, &ValidationReport{IsValid: true}, report)
	})

	t.Run("chain", func(t *testing.T) {
		m := NewManager(NewMemoryStore())
		mustCreate(t, m, edge("A", "B", model.RelationSupersedes))
		mustCreate(t, m, edge("B", "C", model.RelationSupersedes))

		report, err := m.ValidateGraphAcyclicity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 3, report.NodeCount)
		assert.Equal(t, 2, report.EdgeCount)
		assert.Empty(t, report.CycleNodes)
	})

	t.Run("triangle written past the manager", func(t *testing.T) {
		store := NewMemoryStore()
		for _, e := range []model.GraphEdge{
			edge("A", "B", model.RelationSupersedes),
			edge("B", "C", model.RelationSupersedes),
			edge("C", "A", model.RelationSupersedes),
		} {
			require.NoError(t, store.InsertEdge(ctx, &e))
		}

		report, err := NewManager(store).ValidateGraphAcyclicity(ctx)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		assert.Equal(t, []string{"A", "B", "C"}, report.CycleNodes)
	})

	t.Run("cycle in excluded relation", func(t *testing.T) {
		m := NewManager(NewMemoryStore())
		mustCreate(t, m, edge("A", "B", model.RelationInterprets))
		mustCreate(t, m, edge("B", "A", model.RelationInterprets))

		report, err := m.ValidateGraphAcyclicity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Equal(t, 0, report.EdgeCount)

		report, err = m.ValidateGraphAcyclicity(ctx, model.RelationInterprets)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
	})

	t.Run("cancelled", func(t *testing.T) {
		m := NewManager(NewMemoryStore())
		mustCreate(t, m, edge("A", "B", model.RelationSupersedes))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := m.ValidateGraphAcyclicity(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFindPath(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	mustCreate(t, m, edge("A", "B", model.RelationSupersedes))
	mustCreate(t, m, edge("B", "C", model.RelationAmends))
	mustCreate(t, m, edge("A", "C", model.RelationInterprets))
	mustCreate(t, m, edge("D", "E", model.RelationSupersedes))

	tests := []struct {
		from, to  string
		relations []model.Relation
		expected  []string
		desc      string
	}{
		{from: "X", to: "X", expected: []string{"X"}, desc: "self"},
		{from: "A", to: "C", expected: []string{"A", "B", "C"}, desc: "precedence chain"},
		{from: "A", to: "C", relations: []model.Relation{model.RelationInterprets}, expected: []string{"A", "C"}, desc: "restricted relation"},
		{from: "A", to: "E", expected: nil, desc: "disconnected"},
		{from: "C", to: "A", expected: nil, desc: "against edge direction"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			path, err := m.FindPath(ctx, tt.from, tt.to, tt.relations...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, path)
			if path != nil {
				assert.Equal(t, tt.from, path[0])
				assert.Equal(t, tt.to, path[len(path)-1])
			}
		})
	}
}

func TestCurrentlyGoverning(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	dec := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	// v2 supersedes v1 from January, v3 supersedes v2 from July
	mustCreate(t, m, model.GraphEdge{FromRuleID: "v2", ToRuleID: "v1", Relation: model.RelationSupersedes, ValidFrom: &jan})
	mustCreate(t, m, model.GraphEdge{FromRuleID: "v3", ToRuleID: "v2", Relation: model.RelationSupersedes, ValidFrom: &jul})
	// a temporary override of v3 that expired before December
	sep := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	oct := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	mustCreate(t, m, model.GraphEdge{FromRuleID: "emergency", ToRuleID: "v3", Relation: model.RelationOverrides, ValidFrom: &sep, ValidTo: &oct})

	tests := []struct {
		rule     string
		at       time.Time
		expected string
		desc     string
	}{
		{rule: "v1", at: jan.Add(-time.Hour), expected: "v1", desc: "before any replacement"},
		{rule: "v1", at: jan.Add(24 * time.Hour), expected: "v2", desc: "after first replacement"},
		{rule: "v1", at: jul, expected: "v3", desc: "valid_from is inclusive"},
		{rule: "v1", at: sep.Add(time.Hour), expected: "emergency", desc: "temporary override"},
		{rule: "v1", at: dec, expected: "v3", desc: "override expired"},
		{rule: "unknown", at: dec, expected: "unknown", desc: "rule without edges governs itself"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := m.CurrentlyGoverning(ctx, tt.rule, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCycleErrorMessage(t *testing.T) {
	err := fmt.Errorf("add edge: %w", &CycleError{FromID: "a", ToID: "b", Relation: model.RelationAmends})
	assert.Contains(t, err.Error(), "a -[AMENDS]-> b")
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	held, unlock, err := l.Lock(context.Background())
	require.NoError(t, err)
	assert.NoError(t, held.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	assert.ErrorIs(t, held.Err(), context.Canceled, "releasing ends the critical section")

	_, unlock2, err := l.Lock(context.Background())
	require.NoError(t, err)
	unlock2()
}
