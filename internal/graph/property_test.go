package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ppiankov/regtruth/internal/model"
)

// Property: a graph built only through CreateEdgeWithCycleCheck always validates as acyclic,
// and every rejected edge really would have closed a loop.
func TestGuardedGraphStaysAcyclic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	relations := model.PrecedenceRelations()

	properties.Property("guarded inserts keep the precedence subgraph acyclic", prop.ForAll(
		func(pairs []int) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			m := NewManager(store)

			for i := 0; i+1 < len(pairs); i += 2 {
				from := fmt.Sprintf("r%d", pairs[i]%8)
				to := fmt.Sprintf("r%d", pairs[i+1]%8)
				rel := relations[(pairs[i]+pairs[i+1])%len(relations)]

				_, err := m.CreateEdgeWithCycleCheck(ctx, model.GraphEdge{FromRuleID: from, ToRuleID: to, Relation: rel})
				if err != nil && !errors.Is(err, ErrCycleDetected) {
					return false
				}
				if errors.Is(err, ErrCycleDetected) {
					if _, findErr := store.FindEdge(ctx, from, to, rel); !errors.Is(findErr, ErrEdgeNotFound) {
						return false
					}
				}
			}

			report, err := m.ValidateGraphAcyclicity(ctx)
			return err == nil && report.IsValid
		},
		gen.SliceOfN(40, gen.IntRange(0, 63)),
	))

	properties.Property("found paths have matching endpoints", prop.ForAll(
		func(pairs []int, a, b int) bool {
			ctx := context.Background()
			m := NewManager(NewMemoryStore())
			for i := 0; i+1 < len(pairs); i += 2 {
				_, _ = m.CreateEdgeWithCycleCheck(ctx, model.GraphEdge{
					FromRuleID: fmt.Sprintf("r%d", pairs[i]%6),
					ToRuleID:   fmt.Sprintf("r%d", pairs[i+1]%6),
					Relation:   model.RelationSupersedes,
				})
			}
			from, to := fmt.Sprintf("r%d", a), fmt.Sprintf("r%d", b)
			path, err := m.FindPath(ctx, from, to)
			if err != nil {
				return false
			}
			if path == nil {
				return true
			}
			return path[0] == from && path[len(path)-1] == to
		},
		gen.SliceOfN(20, gen.IntRange(0, 35)),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
