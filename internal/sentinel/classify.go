package sentinel

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/regtruth/internal/model"
)

// classificationRule maps a path pattern to a classification.
// Rules are evaluated in order; the first match wins.
type classificationRule struct {
	name    string
	pattern *regexp.Regexp
	result  model.URLClassification
}

var classificationRules = []classificationRule{
	{
		name:    "downloadable-document",
		pattern: regexp.MustCompile(`\.(pdf|docx?|xlsx?|odt|ods|rtf|zip)(\?|$)|/download/|/userdocsimages/|/documents/`),
		result:  model.URLClassification{NodeType: model.NodeKindAsset, NodeRole: model.NodeRoleNone, FreshnessRisk: model.RiskMedium},
	},
	{
		name:    "gazette-official-article",
		pattern: regexp.MustCompile(`/clanci/sluzbeni/|/eli/sluzbeni/`),
		result:  model.URLClassification{NodeType: model.NodeKindLeaf, NodeRole: model.NodeRoleRegulation, FreshnessRisk: model.RiskCritical},
	},
	{
		name:    "gazette-international-article",
		pattern: regexp.MustCompile(`/clanci/medunarodni/|/eli/medunarodni/`),
		result:  model.URLClassification{NodeType: model.NodeKindLeaf, NodeRole: model.NodeRoleRegulation, FreshnessRisk: model.RiskHigh},
	},
	{
		name:    "gazette-announcement",
		pattern: regexp.MustCompile(`/clanci/oglasi/`),
		result:  model.URLClassification{NodeType: model.NodeKindLeaf, NodeRole: model.NodeRoleNone, FreshnessRisk: model.RiskLow},
	},
	{
		name:    "news-listing",
		pattern: regexp.MustCompile(`/(vijesti|novosti|news|priopcenja|obavijesti)(/|$|\?)`),
		result:  model.URLClassification{NodeType: model.NodeKindHub, NodeRole: model.NodeRoleNewsFeed, FreshnessRisk: model.RiskHigh},
	},
	{
		name:    "guidance",
		pattern: regexp.MustCompile(`/(misljenja|strucna-misljenja|upute|tumacenja|guidance)(/|$|\?)`),
		result:  model.URLClassification{NodeType: model.NodeKindLeaf, NodeRole: model.NodeRoleGuidance, FreshnessRisk: model.RiskHigh},
	},
	{
		name:    "sitemap",
		pattern: regexp.MustCompile(`sitemap[^/]*\.xml(\.gz)?(\?|$)`),
		result:  model.URLClassification{NodeType: model.NodeKindHub, NodeRole: model.NodeRoleNone, FreshnessRisk: model.RiskLow},
	},
	{
		name:    "search-listing",
		pattern: regexp.MustCompile(`/(search\.aspx|pretraga|popis|arhiva)(/|$|\?)`),
		result:  model.URLClassification{NodeType: model.NodeKindHub, NodeRole: model.NodeRoleNone, FreshnessRisk: model.RiskMedium},
	},
}

// DefaultClassification is returned for locations no rule matches
var DefaultClassification = model.URLClassification{
	NodeType:      model.NodeKindLeaf,
	NodeRole:      model.NodeRoleNone,
	FreshnessRisk: model.RiskMedium,
}

// ClassifyURL classifies a location by its path conventions.
// It is pure and deterministic; unparseable or unmatched input gets DefaultClassification.
func ClassifyURL(rawURL string) model.URLClassification {
	c, _ := classify(rawURL)
	return c
}

// ClassifyURLRule is ClassifyURL that also names the rule that matched ("" for the default)
func ClassifyURLRule(rawURL string) (model.URLClassification, string) {
	return classify(rawURL)
}

func classify(rawURL string) (model.URLClassification, string) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || rawURL == "" {
		return DefaultClassification, ""
	}

	target := strings.ToLower(parsed.EscapedPath())
	if parsed.RawQuery != "" {
		target += "?" + strings.ToLower(parsed.RawQuery)
	}

	for _, rule := range classificationRules {
		if rule.pattern.MatchString(target) {
			return rule.result, rule.name
		}
	}
	return DefaultClassification, ""
}
