package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/regtruth/internal/graph"
	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/pipeline"
)

var (
	edgeRelation  string
	edgeValidFrom string
	edgeValidTo   string
	edgeNotes     string
	graphRelation []string
	governingAt   string
	graphJSON     bool
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Maintain the rule precedence graph",
	Long: `Maintain the directed graph of relationships between rule versions.

The precedence relations (SUPERSEDES, OVERRIDES, AMENDS, DEPENDS_ON,
REQUIRES) must never form a loop; an edge that would close one is
rejected. INTERPRETS, REFERENCES and IMPLEMENTS are unrestricted.`,
}

var graphAddEdgeCmd = &cobra.Command{
	Use:   "add-edge <from> <to>",
	Short: "Add an edge, rejecting precedence cycles",
	Long: `Add a directed edge between two rule versions. For SUPERSEDES and
OVERRIDES, <from> is the new rule and <to> the rule it replaces.

Example:
  regtruth graph add-edge zpdv-2024 zpdv-2023 --relation SUPERSEDES --valid-from 2024-01-01`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rel, ok := model.ParseRelation(strings.ToUpper(edgeRelation))
		if !ok {
			return fmt.Errorf("unknown relation %q", edgeRelation)
		}
		validFrom, err := parseDateFlag("valid-from", edgeValidFrom)
		if err != nil {
			return err
		}
		validTo, err := parseDateFlag("valid-to", edgeValidTo)
		if err != nil {
			return err
		}

		mgr, closeApp, err := openGraph(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		edge, err := mgr.CreateEdgeWithCycleCheck(cmd.Context(), model.GraphEdge{
			FromRuleID: args[0],
			ToRuleID:   args[1],
			Relation:   rel,
			ValidFrom:  validFrom,
			ValidTo:    validTo,
			Notes:      edgeNotes,
		})
		var cycle *graph.CycleError
		if errors.As(err, &cycle) {
			return fmt.Errorf("rejected: %w", err)
		}
		if err != nil {
			return fmt.Errorf("create edge: %w", err)
		}

		if graphJSON {
			return pipeline.NewRenderer(verbose).WriteJSON(cmd.OutOrStdout(), edge)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s -[%s]-> %s (%s)\n", edge.FromRuleID, edge.Relation, edge.ToRuleID, edge.ID)
		return nil
	},
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the precedence graph has no cycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rels, err := parseRelations(graphRelation)
		if err != nil {
			return err
		}
		mgr, closeApp, err := openGraph(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		report, err := mgr.ValidateGraphAcyclicity(cmd.Context(), rels...)
		if err != nil {
			return err
		}
		if graphJSON {
			if err := pipeline.NewRenderer(verbose).WriteJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "nodes: %d, edges: %d\n", report.NodeCount, report.EdgeCount)
			if report.IsValid {
				_, _ = fmt.Fprintln(out, "✓ acyclic")
			} else {
				_, _ = fmt.Fprintf(out, "✗ cycle through: %s\n", strings.Join(report.CycleNodes, ", "))
			}
		}
		if !report.IsValid {
			return graph.ErrCycleDetected
		}
		return nil
	},
}

var graphPathCmd = &cobra.Command{
	Use:   "path <from> <to>",
	Short: "Find a path between two rules",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rels, err := parseRelations(graphRelation)
		if err != nil {
			return err
		}
		mgr, closeApp, err := openGraph(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		path, err := mgr.FindPath(cmd.Context(), args[0], args[1], rels...)
		if err != nil {
			return err
		}
		if path == nil {
			return fmt.Errorf("no path from %s to %s", args[0], args[1])
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(path, " -> "))
		return nil
	},
}

var graphGoverningCmd = &cobra.Command{
	Use:   "governing <rule>",
	Short: "Show which rule version governs at a point in time",
	Long: `Follow SUPERSEDES and OVERRIDES edges in force at --at (default now)
from <rule> to whatever replaced it.

Example:
  regtruth graph governing zpdv-2023 --at 2024-06-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at := time.Now().UTC()
		if governingAt != "" {
			t, err := parseDate(governingAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			at = t
		}
		mgr, closeApp, err := openGraph(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		id, err := mgr.CurrentlyGoverning(cmd.Context(), args[0], at)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	graphAddEdgeCmd.Flags().StringVar(&edgeRelation, "relation", string(model.RelationSupersedes), "relation type")
	graphAddEdgeCmd.Flags().StringVar(&edgeValidFrom, "valid-from", "", "date the edge takes effect (YYYY-MM-DD or RFC 3339)")
	graphAddEdgeCmd.Flags().StringVar(&edgeValidTo, "valid-to", "", "date the edge stops applying (exclusive)")
	graphAddEdgeCmd.Flags().StringVar(&edgeNotes, "notes", "", "free-text note stored with the edge")

	for _, c := range []*cobra.Command{graphValidateCmd, graphPathCmd} {
		c.Flags().StringSliceVar(&graphRelation, "relation", nil, "relations to follow (default: all precedence relations)")
	}
	graphGoverningCmd.Flags().StringVar(&governingAt, "at", "", "point in time (default: now)")
	graphCmd.PersistentFlags().BoolVar(&graphJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphAddEdgeCmd, graphValidateCmd, graphPathCmd, graphGoverningCmd)
}

func openGraph(cmd *cobra.Command) (*graph.Manager, func(), error) {
	a, err := newApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	mgr, err := a.graphManager()
	if err != nil {
		_ = a.Close()
		return nil, nil, err
	}
	return mgr, func() {
		if err := a.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}, nil
}

func parseRelations(names []string) ([]model.Relation, error) {
	rels := make([]model.Relation, 0, len(names))
	for _, n := range names {
		r, ok := model.ParseRelation(strings.ToUpper(strings.TrimSpace(n)))
		if !ok {
			return nil, fmt.Errorf("unknown relation %q", n)
		}
		rels = append(rels, r)
	}
	return rels, nil
}

func parseDateFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseDate(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}
