package graph

import (
	"errors"
	"fmt"

	"github.com/ppiankov/regtruth/internal/model"
)

var (
	// ErrCycleDetected matches every *CycleError via errors.Is
	ErrCycleDetected = errors.New("cycle detected")
	// ErrEdgeNotFound is returned by Store.FindEdge when no such edge exists
	ErrEdgeNotFound = errors.New("edge not found")
	// ErrInvalidEdge is returned for edges missing endpoints or with an unknown relation
	ErrInvalidEdge = errors.New("invalid edge")
	// ErrLockLost cancels a guarded insert whose writer lock expired before it finished
	ErrLockLost = errors.New("graph write lock lost")
)

// CycleError rejects a precedence edge that would close a loop.
// It is deterministic: retrying the same edge always fails the same way.
type CycleError struct {
	FromID   string
	ToID     string
	Relation model.Relation
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s -[%s]-> %s would close a precedence loop", e.FromID, e.Relation, e.ToID)
}

// Is makes errors.Is(err, ErrCycleDetected) true for any CycleError
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}
