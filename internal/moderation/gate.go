// Package moderation classifies attempted off-platform contact sharing in
// chat text and tracks the banners shown to the composer.
package moderation

import (
	"slices"

	"gigchat/internal/constants"
	"gigchat/internal/models"
	"gigchat/internal/privacy"
)

// Options configures a Gate. Zero values fall back to defaults.
type Options struct {
	AllowedDomains           []string
	MaxCategoriesBeforeBlock int
	Rules                    []Rule
}

// Gate is a pure, deterministic classifier. It is safe for concurrent use.
type Gate struct {
	rules         []Rule
	maxCategories int
}

// NewGate builds a gate from options.
func NewGate(opts Options) *Gate {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules(opts.AllowedDomains)
	}
	maxCategories := opts.MaxCategoriesBeforeBlock
	if maxCategories <= 0 {
		maxCategories = constants.DefaultMaxCategoriesBeforeBlk
	}
	return &Gate{rules: rules, maxCategories: maxCategories}
}

// NewGateFromConfig builds a gate from the moderation section of the config.
func NewGateFromConfig(cfg models.ModerationConfig) *Gate {
	return NewGate(Options{
		AllowedDomains:           cfg.AllowedDomains,
		MaxCategoriesBeforeBlock: cfg.MaxCategoriesBeforeBlock,
	})
}

var defaultGate = NewGate(Options{})

// Validate classifies text with the default rule table.
func Validate(text string) models.ValidationResult {
	return defaultGate.Validate(text)
}

// Validate classifies text. Severity is the highest matching rule's
// severity, raised to high when more distinct categories match than the
// gate tolerates. High severity cannot be sent.
func (g *Gate) Validate(text string) models.ValidationResult {
	normalized := Normalize(text)
	resolved := ResolveObfuscations(normalized)

	severity := models.SeverityNone
	var categories []models.Category
	var violations []models.Violation

	for _, rule := range g.rules {
		input := resolved
		if rule.Stage == StageNormalized {
			input = normalized
		}
		matches := rule.Match(input)
		if len(matches) == 0 {
			continue
		}

		if rule.Severity > severity {
			severity = rule.Severity
		}
		if !slices.Contains(categories, rule.Category) {
			categories = append(categories, rule.Category)
		}
		for _, m := range matches {
			violations = append(violations, models.Violation{
				Category: rule.Category,
				Excerpt:  privacy.MaskExcerpt(m),
			})
		}
	}

	if len(categories) > g.maxCategories {
		severity = models.SeverityHigh
	}

	result := models.ValidationResult{
		IsValid:           severity == models.SeverityNone,
		CanSend:           severity != models.SeverityHigh,
		Severity:          severity,
		MatchedCategories: categories,
		Violations:        violations,
	}
	for _, c := range categories {
		if s := Suggestion(c); s != "" {
			result.Suggestions = append(result.Suggestions, s)
		}
	}
	return result
}

// Exceeds reports whether a result meets or passes a severity threshold.
// The relay uses it to reject messages more strictly than the client.
func Exceeds(result models.ValidationResult, threshold models.Severity) bool {
	return threshold != models.SeverityNone && result.Severity >= threshold
}
