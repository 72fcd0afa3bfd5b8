// Package graph maintains the directed graph of rule versions and keeps its
// precedence subgraph (SUPERSEDES, OVERRIDES, AMENDS, DEPENDS_ON, REQUIRES)
// acyclic. Other relations may form arbitrary graphs, cycles included.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/metrics"
	"github.com/ppiankov/regtruth/internal/model"
)

// Manager runs cycle checks, guarded inserts and graph queries over a Store
type Manager struct {
	store    Store
	locker   Locker
	logger   *slog.Logger
	recorder metrics.Recorder
	now      func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithLocker replaces the in-process writer lock, e.g. with a distributed one
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a manager over store
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locker:   NewLocalLocker(),
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// checkedRelations defaults an empty relation list to the precedence set
func checkedRelations(relations []model.Relation) []model.Relation {
	if len(relations) == 0 {
		return model.PrecedenceRelations()
	}
	return relations
}

// WouldCreateCycle reports whether adding fromID -> toID would close a loop
// over the given relations (the full precedence set when none are given).
// A self-loop is always a cycle.
func (m *Manager) WouldCreateCycle(ctx context.Context, fromID, toID string, relations ...model.Relation) (bool, error) {
	return wouldCreateCycle(ctx, m.store, fromID, toID, checkedRelations(relations))
}

// wouldCreateCycle searches breadth-first from toID for fromID
func wouldCreateCycle(ctx context.Context, s Store, fromID, toID string, relations []model.Relation) (bool, error) {
	if fromID == toID {
		return true, nil
	}

	visited := map[string]bool{toID: true}
	queue := []string{toID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		current := queue[0]
		queue = queue[1:]

		edges, err := s.OutgoingEdges(ctx, current, relations)
		if err != nil {
			return false, fmt.Errorf("load outgoing edges of %s: %w", current, err)
		}
		for _, e := range edges {
			if e.ToRuleID == fromID {
				return true, nil
			}
			if !visited[e.ToRuleID] {
				visited[e.ToRuleID] = true
				queue = append(queue, e.ToRuleID)
			}
		}
	}
	return false, nil
}

// CreateEdgeWithCycleCheck persists edge unless it is a precedence edge that
// would close a loop, in which case it returns a *CycleError and stores nothing.
// For precedence edges the check and the insert run under the writer lock and,
// when the store supports it, inside one transaction.
func (m *Manager) CreateEdgeWithCycleCheck(ctx context.Context, edge model.GraphEdge) (*model.GraphEdge, error) {
	if edge.FromRuleID == "" || edge.ToRuleID == "" {
		return nil, fmt.Errorf("%w: both endpoints are required", ErrInvalidEdge)
	}
	if _, ok := model.ParseRelation(string(edge.Relation)); !ok {
		return nil, fmt.Errorf("%w: unknown relation %q", ErrInvalidEdge, edge.Relation)
	}
	if edge.ValidFrom != nil && edge.ValidTo != nil && !edge.ValidTo.After(*edge.ValidFrom) {
		return nil, fmt.Errorf("%w: valid_to must be after valid_from", ErrInvalidEdge)
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = m.now().UTC()
	}

	if !edge.Relation.IsPrecedence() {
		if err := m.store.InsertEdge(ctx, &edge); err != nil {
			return nil, fmt.Errorf("insert edge: %w", err)
		}
		return &edge, nil
	}

	held, unlock, err := m.locker.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire graph write lock: %w", err)
	}
	defer unlock()

	// every step runs under held so a lost lock aborts the insert
	checkAndInsert := func(s Store) error {
		cycle, err := wouldCreateCycle(held, s, edge.FromRuleID, edge.ToRuleID, model.PrecedenceRelations())
		if err != nil {
			return lockErr(held, err)
		}
		if cycle {
			return &CycleError{FromID: edge.FromRuleID, ToID: edge.ToRuleID, Relation: edge.Relation}
		}
		if err := held.Err(); err != nil {
			return lockErr(held, err)
		}
		if err := s.InsertEdge(held, &edge); err != nil {
			return lockErr(held, fmt.Errorf("insert edge: %w", err))
		}
		// a tx store rolls back on this error
		if err := held.Err(); err != nil {
			return lockErr(held, err)
		}
		return nil
	}

	if tx, ok := m.store.(TxStore); ok {
		err = lockErr(held, tx.WithTx(held, checkAndInsert))
	} else {
		err = checkAndInsert(m.store)
	}

	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		m.recorder.IncCycleRejection(string(edge.Relation))
		m.logger.Info("precedence edge rejected",
			logfields.FromID(edge.FromRuleID),
			logfields.ToID(edge.ToRuleID),
			logfields.Relation(string(edge.Relation)))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

// lockErr reports ErrLockLost in place of err when held was cancelled by the locker
func lockErr(held context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(held); errors.Is(cause, ErrLockLost) {
		return cause
	}
	return err
}

// ValidationReport is the result of a batch acyclicity check
type ValidationReport struct {
	IsValid    bool     `json:"is_valid"`
	CycleNodes []string `json:"cycle_nodes,omitempty"`
	EdgeCount  int      `json:"edge_count"`
	NodeCount  int      `json:"node_count"`
}

// ValidateGraphAcyclicity runs Kahn's algorithm over the edges restricted to
// relations (the precedence set when none are given). Nodes that never reach
// in-degree zero are reported as cycle participants. It is read-only and may
// be cancelled and re-run at any point.
func (m *Manager) ValidateGraphAcyclicity(ctx context.Context, relations ...model.Relation) (*ValidationReport, error) {
	start := m.now()
	edges, err := m.store.Edges(ctx, checkedRelations(relations))
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}

	inDegree := make(map[string]int)
	adjacency := make(map[string][]string)
	for _, e := range edges {
		if _, ok := inDegree[e.FromRuleID]; !ok {
			inDegree[e.FromRuleID] = 0
		}
		inDegree[e.ToRuleID]++
		adjacency[e.FromRuleID] = append(adjacency[e.FromRuleID], e.ToRuleID)
	}

	queue := make([]string, 0, len(inDegree))
	for node, d := range inDegree {
		if d == 0 {
			queue = append(queue, node)
		}
	}

	removed := 0
	for len(queue) > 0 {
		if removed%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		node := queue[0]
		queue = queue[1:]
		removed++
		for _, next := range adjacency[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	report := &ValidationReport{
		IsValid:   removed == len(inDegree),
		EdgeCount: len(edges),
		NodeCount: len(inDegree),
	}
	if !report.IsValid {
		for node, d := range inDegree {
			if d > 0 {
				report.CycleNodes = append(report.CycleNodes, node)
			}
		}
		sort.Strings(report.CycleNodes)
	}

	m.recorder.ObserveGraphValidation(m.now().Sub(start), report.IsValid)
	m.logger.Debug("graph validated",
		logfields.Count(report.EdgeCount),
		slog.Bool("valid", report.IsValid),
		logfields.Duration(m.now().Sub(start)))
	return report, nil
}

// FindPath returns the shortest node path from fromID to toID over relations
// (the precedence set when none are given), both ends included. It returns
// nil when toID is unreachable and [fromID] when both ids are equal.
func (m *Manager) FindPath(ctx context.Context, fromID, toID string, relations ...model.Relation) ([]string, error) {
	if fromID == toID {
		return []string{fromID}, nil
	}
	relations = checkedRelations(relations)

	parent := map[string]string{fromID: ""}
	queue := []string{fromID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]

		edges, err := m.store.OutgoingEdges(ctx, current, relations)
		if err != nil {
			return nil, fmt.Errorf("load outgoing edges of %s: %w", current, err)
		}
		for _, e := range edges {
			if _, seen := parent[e.ToRuleID]; seen {
				continue
			}
			parent[e.ToRuleID] = current
			if e.ToRuleID == toID {
				return backtrack(parent, fromID, toID), nil
			}
			queue = append(queue, e.ToRuleID)
		}
	}
	return nil, nil
}

func backtrack(parent map[string]string, fromID, toID string) []string {
	path := []string{toID}
	for node := toID; node != fromID; {
		node = parent[node]
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// governingRelations are followed from a replaced rule to its replacement
var governingRelations = []model.Relation{model.RelationSupersedes, model.RelationOverrides}

// CurrentlyGoverning follows SUPERSEDES and OVERRIDES edges in force at `at`
// from the replaced rule to its replacement and returns the rule that governs
// at that time. A rule nothing replaces governs itself. When several edges
// replace the same rule, the one that took effect last wins.
func (m *Manager) CurrentlyGoverning(ctx context.Context, ruleID string, at time.Time) (string, error) {
	edges, err := m.store.Edges(ctx, governingRelations)
	if err != nil {
		return "", fmt.Errorf("load edges: %w", err)
	}

	replacedBy := make(map[string][]model.GraphEdge)
	for _, e := range edges {
		if e.ValidAt(at) {
			replacedBy[e.ToRuleID] = append(replacedBy[e.ToRuleID], e)
		}
	}

	current := ruleID
	visited := map[string]bool{current: true}
	for {
		candidates := replacedBy[current]
		if len(candidates) == 0 {
			return current, nil
		}
		next := latestEffective(candidates).FromRuleID
		if visited[next] {
			return current, nil
		}
		visited[next] = true
		current = next
	}
}

func latestEffective(edges []model.GraphEdge) model.GraphEdge {
	best := edges[0]
	for _, e := range edges[1:] {
		if effectiveAt(e).After(effectiveAt(best)) ||
			(effectiveAt(e).Equal(effectiveAt(best)) && e.CreatedAt.After(best.CreatedAt)) {
			best = e
		}
	}
	return best
}

func effectiveAt(e model.GraphEdge) time.Time {
	if e.ValidFrom != nil {
		return *e.ValidFrom
	}
	return e.CreatedAt
}
