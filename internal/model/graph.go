package model

import "time"

// Relation is the type of a directed edge between two rule versions
type Relation string

const (
	RelationSupersedes Relation = "SUPERSEDES"
	RelationOverrides  Relation = "OVERRIDES"
	RelationAmends     Relation = "AMENDS"
	RelationDependsOn  Relation = "DEPENDS_ON"
	RelationRequires   Relation = "REQUIRES"
	RelationInterprets Relation = "INTERPRETS"
	RelationReferences Relation = "REFERENCES"
	RelationImplements Relation = "IMPLEMENTS"
)

var precedenceRelations = []Relation{
	RelationSupersedes,
	RelationOverrides,
	RelationAmends,
	RelationDependsOn,
	RelationRequires,
}

// PrecedenceRelations returns the relation types whose subgraph must stay acyclic.
// The returned slice is a copy.
func PrecedenceRelations() []Relation {
	out := make([]Relation, len(precedenceRelations))
	copy(out, precedenceRelations)
	return out
}

// IsPrecedence reports whether r belongs to the acyclic precedence set
func (r Relation) IsPrecedence() bool {
	for _, p := range precedenceRelations {
		if r == p {
			return true
		}
	}
	return false
}

// ParseRelation normalises a relation name; ok is false for unknown names
func ParseRelation(s string) (Relation, bool) {
	switch r := Relation(s); r {
	case RelationSupersedes, RelationOverrides, RelationAmends, RelationDependsOn,
		RelationRequires, RelationInterprets, RelationReferences, RelationImplements:
		return r, true
	}
	return "", false
}

// GraphEdge is a directed relationship between two rule versions.
// Edges are never edited; a change is expressed by creating a new edge.
type GraphEdge struct {
	ID         string     `json:"id"`
	FromRuleID string     `json:"from_rule_id"`
	ToRuleID   string     `json:"to_rule_id"`
	Relation   Relation   `json:"relation"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ValidAt reports whether the edge is in force at t. Open bounds are unbounded.
func (e GraphEdge) ValidAt(t time.Time) bool {
	if e.ValidFrom != nil && t.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidTo != nil && !t.Before(*e.ValidTo) {
		return false
	}
	return true
}
