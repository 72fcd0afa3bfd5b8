package cli

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/regtruth/internal/model"
	"github.com/ppiankov/regtruth/internal/parser"
	"github.com/ppiankov/regtruth/internal/pipeline"
	"github.com/ppiankov/regtruth/internal/sentinel"
)

var (
	sitemapTypes    []string
	sitemapRegister bool
	sitemapJSON     bool
	contentTypeFlag string
	parseJSON       bool
)

// classifyCmd represents the classify command
var classifyCmd = &cobra.Command{
	Use:   "classify <url>...",
	Short: "Classify source locations by their path conventions",
	Long: `Classify prints the node type, role and freshness risk the URL rules
assign to each location, and the rule that matched.

Example:
  regtruth classify https://narodne-novine.nn.hr/clanci/sluzbeni/2024_05_62_1124.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TYPE\tROLE\tRISK\tRULE\tURL")
		for _, u := range args {
			c, rule := sentinel.ClassifyURLRule(u)
			if rule == "" {
				rule = "default"
			}
			role := string(c.NodeRole)
			if role == "" {
				role = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.NodeType, role, c.FreshnessRisk, rule, u)
		}
		return tw.Flush()
	},
}

// sitemapCmd represents the sitemap command
var sitemapCmd = &cobra.Command{
	Use:   "sitemap <file|url>",
	Short: "Discover sources from a gazette sitemap",
	Long: `Sitemap reads a sitemap or sitemap index, follows child sitemaps whose
gazette type is allowed, and classifies every listed location.

With --register the discovered locations become monitored sources.

Example:
  regtruth sitemap https://narodne-novine.nn.hr/sitemap.xml --types 1,2
  regtruth sitemap ./sitemap_1_2024_62.xml --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSitemap,
}

// hashCmd represents the hash command
var hashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the change-detection hash of a file",
	Long: `Hash prints the content hash used for change detection. Markup is
normalized first, so comment and whitespace edits do not change it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		ct := contentTypeFor(args[0], contentTypeFlag)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sentinel.HashContent(data, ct), args[0])
		if verbose {
			_, _ = fmt.Fprintf(os.Stderr, "content-type: %s, raw sha256: %s\n", ct, sentinel.HashBytes(data))
		}
		return nil
	},
}

// parseCmd represents the parse command
var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse a legal document into provisions",
	Long: `Parse splits a saved legal document into articles, paragraphs, points
and sub-points and reports the parse status, coverage and warnings.

Example:
  regtruth parse zakon.html
  regtruth parse zakon.md --json > zakon.parse.json`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

func init() {
	sitemapCmd.Flags().StringSliceVar(&sitemapTypes, "types", nil, "gazette sitemap types to follow (default: sentinel.allowed_types)")
	sitemapCmd.Flags().BoolVar(&sitemapRegister, "register", false, "register discovered locations as monitored sources")
	sitemapCmd.Flags().BoolVar(&sitemapJSON, "json", false, "print the discovery as JSON")

	hashCmd.Flags().StringVar(&contentTypeFlag, "content-type", "", "content type (default: guessed from the file extension)")

	parseCmd.Flags().StringVar(&contentTypeFlag, "content-type", "", "content type (default: guessed from the file extension)")
	parseCmd.Flags().BoolVar(&parseJSON, "json", false, "print the full parse result as JSON")

	rootCmd.AddCommand(classifyCmd, sitemapCmd, hashCmd, parseCmd)
}

func runSitemap(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	types := sitemapTypes
	if !cmd.Flags().Changed("types") {
		types = a.cfg.Sentinel.AllowedTypes
	}

	p := a.pipeline()
	var disc *pipeline.Discovery
	if isRemote(args[0]) {
		disc, err = p.DiscoverSitemap(ctx, args[0], types)
	} else {
		var data []byte
		data, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read sitemap: %w", err)
		}
		disc, err = p.DiscoverSitemapData(ctx, args[0], data, types)
	}
	if err != nil {
		return err
	}

	for _, w := range disc.Warnings {
		slog.Warn("sitemap discovery", slog.String("warning", w))
	}

	out := cmd.OutOrStdout()
	if sitemapJSON {
		if err := pipeline.NewRenderer(verbose).WriteJSON(out, disc); err != nil {
			return fmt.Errorf("write json: %w", err)
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TYPE\tRISK\tLASTMOD\tURL")
		for _, s := range disc.Sources {
			lastMod := "-"
			if s.Entry.LastMod != nil {
				lastMod = s.Entry.LastMod.Format("2006-01-02")
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Classification.NodeType, s.Classification.FreshnessRisk, lastMod, s.Entry.URL)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(os.Stderr, "✓ %d locations from %d sitemaps\n", len(disc.Sources), len(disc.Sitemaps))

	if sitemapRegister {
		n, err := p.RegisterDiscovered(ctx, disc.Sources)
		if err != nil {
			return fmt.Errorf("register sources: %w", err)
		}
		_, _ = fmt.Fprintf(os.Stderr, "✓ Registered %d sources\n", n)
	}
	return nil
}

func runParse(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ct := contentTypeFor(args[0], contentTypeFlag)
	result, err := parser.New(parser.OptionsFromConfig(cfg.Parser), slog.Default()).Parse(data, ct)
	if err != nil {
		return fmt.Errorf("parse %s (%s): %w", args[0], ct, err)
	}

	out := cmd.OutOrStdout()
	if parseJSON {
		return pipeline.NewRenderer(verbose).WriteJSON(out, result)
	}
	renderParseSummary(out, args[0], result)
	return nil
}

func renderParseSummary(w io.Writer, name string, r *model.ParseResult) {
	_, _ = fmt.Fprintf(w, "%s\n", name)
	_, _ = fmt.Fprintf(w, "  status:    %s\n", r.Status)
	if r.DocMeta.Title != "" {
		_, _ = fmt.Fprintf(w, "  title:     %s\n", r.DocMeta.Title)
	}
	if r.DocMeta.GazetteRef != "" {
		_, _ = fmt.Fprintf(w, "  gazette:   %s\n", r.DocMeta.GazetteRef)
	}
	_, _ = fmt.Fprintf(w, "  nodes:     %d (max depth %d)\n", r.Stats.NodeCount, r.Stats.MaxDepth)
	for _, t := range []model.NodeType{model.NodeClanak, model.NodeStavak, model.NodeTocka, model.NodePodtocka} {
		if n := r.Stats.ByType[t]; n > 0 {
			_, _ = fmt.Fprintf(w, "    %-9s %d\n", t, n)
		}
	}
	_, _ = fmt.Fprintf(w, "  coverage:  %.1f%%\n", r.Stats.CoveragePercent)
	_, _ = fmt.Fprintf(w, "  text hash: %s\n", r.CleanTextHash)
	for _, warn := range r.Warnings {
		_, _ = fmt.Fprintf(w, "  warning:   %s\n", warn)
	}
}

func isRemote(arg string) bool {
	return strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://")
}

// contentTypeFor returns override, or a type guessed from the file extension
func contentTypeFor(path, override string) string {
	if override != "" {
		return override
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".html", ".htm":
		return "text/html"
	case ".xhtml":
		return "application/xhtml+xml"
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
