package sentinel

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/regtruth/internal/model"
)

// AuthorityClassifier assigns an authority level to a source location
type AuthorityClassifier struct {
	domainMap    map[string]model.AuthorityLevel
	domainLevels []domainLevel
	pathPatterns []compiledPattern
}

type domainLevel struct {
	domain string
	level  model.AuthorityLevel
}

type compiledPattern struct {
	pattern *regexp.Regexp
	level   model.AuthorityLevel
}

// NewAuthorityClassifier compiles cfg; invalid patterns are logged and skipped
func NewAuthorityClassifier(cfg model.AuthorityConfig) *AuthorityClassifier {
	a := &AuthorityClassifier{domainMap: make(map[string]model.AuthorityLevel, len(cfg.DomainMap))}

	for host, level := range cfg.DomainMap {
		a.domainMap[strings.ToLower(host)] = model.ParseAuthorityLevel(strings.ToUpper(level))
	}
	for _, group := range []struct {
		domains []string
		level   model.AuthorityLevel
	}{
		{cfg.LawDomains, model.AuthorityLaw},
		{cfg.RegulationDomains, model.AuthorityRegulation},
		{cfg.GuidanceDomains, model.AuthorityGuidance},
	} {
		for _, d := range group.domains {
			a.domainLevels = append(a.domainLevels, domainLevel{domain: strings.ToLower(d), level: group.level})
		}
	}
	for _, p := range cfg.PathPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Warn("authority: skipping invalid path pattern", slog.String("pattern", p.Pattern), slog.String("error", err.Error()))
			continue
		}
		a.pathPatterns = append(a.pathPatterns, compiledPattern{pattern: re, level: model.ParseAuthorityLevel(strings.ToUpper(p.Level))})
	}
	return a
}

// DefaultAuthorityClassifier uses the built-in authority configuration
func DefaultAuthorityClassifier() *AuthorityClassifier {
	return NewAuthorityClassifier(model.DefaultConfig().Sentinel.Authority)
}

// Classify returns the authority level for rawURL. Configured domains win
// over path patterns; with no match the level follows the URL role.
func (a *AuthorityClassifier) Classify(rawURL string) model.AuthorityLevel {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return model.AuthorityPractice
	}
	host := strings.ToLower(parsed.Hostname())

	if level, ok := a.domainMap[host]; ok {
		return level
	}
	for _, d := range a.domainLevels {
		if host == d.domain || strings.HasSuffix(host, "."+d.domain) {
			return d.level
		}
	}

	path := strings.ToLower(parsed.Path)
	for _, cp := range a.pathPatterns {
		if cp.pattern.MatchString(path) {
			return cp.level
		}
	}

	switch ClassifyURL(rawURL).NodeRole {
	case model.NodeRoleRegulation:
		return model.AuthorityRegulation
	case model.NodeRoleGuidance:
		return model.AuthorityGuidance
	default:
		return model.AuthorityPractice
	}
}
