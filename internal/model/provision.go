package model

// NodeType is the structural kind of a provision node
type NodeType string

const (
	NodeDocument NodeType = "DOCUMENT"
	NodeTitle    NodeType = "TITLE"
	NodeChapter  NodeType = "CHAPTER"
	NodePart     NodeType = "PART"
	NodeClanak   NodeType = "CLANAK"   // Article
	NodeStavak   NodeType = "STAVAK"   // Paragraph
	NodeTocka    NodeType = "TOCKA"    // Point
	NodePodtocka NodeType = "PODTOCKA" // Sub-point
)

// ProvisionNode is one structural unit of a parsed legal document.
// Offsets index into ParseResult.CleanText (byte offsets, end exclusive).
type ProvisionNode struct {
	NodeType    NodeType `json:"node_type"`
	NodePath    string   `json:"node_path"`
	Label       string   `json:"label"`
	OrderIndex  int      `json:"order_index"`
	Depth       int      `json:"depth"`
	StartOffset int      `json:"start_offset"`
	EndOffset   int      `json:"end_offset"`
	IsContainer bool     `json:"is_container"`
	ParentPath  string   `json:"parent_path,omitempty"`
	Text        string   `json:"text,omitempty"` // Header fragment text as located
}

// ParseStatus is the overall outcome of a structural parse
type ParseStatus string

const (
	ParseSuccess ParseStatus = "SUCCESS"
	ParsePartial ParseStatus = "PARTIAL" // Usable but flagged for review
	ParseFailed  ParseStatus = "FAILED"  // No clean text could be produced
)

// DocMeta holds heuristically extracted document metadata
type DocMeta struct {
	Title       string `json:"title,omitempty"`
	DocType     string `json:"doc_type,omitempty"`    // Lowercase keyword, e.g. "zakon"
	GazetteRef  string `json:"gazette_ref,omitempty"` // e.g. "NN 114/2023"
	TitleRule   string `json:"title_rule,omitempty"`  // Which extraction rule produced Title
	ContentType string `json:"content_type,omitempty"`
}

// ParseStats summarises the produced node set
type ParseStats struct {
	NodeCount       int              `json:"node_count"`
	MaxDepth        int              `json:"max_depth"`
	ByType          map[NodeType]int `json:"by_type"`
	CoverageChars   int              `json:"coverage_chars"`
	CoveragePercent float64          `json:"coverage_percent"`
}

// ParseResult is the structured report of a single parse run
type ParseResult struct {
	Status           ParseStatus     `json:"status"`
	Warnings         []string        `json:"warnings"`
	UnparsedSegments []string        `json:"unparsed_segments"`
	DocMeta          DocMeta         `json:"doc_meta"`
	CleanText        string          `json:"clean_text"`
	CleanTextHash    string          `json:"clean_text_hash"`
	Nodes            []ProvisionNode `json:"nodes"`
	Stats            ParseStats      `json:"stats"`
}
