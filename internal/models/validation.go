package models

type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSeverity is the inverse of String; unknown names return false.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "none":
		return SeverityNone, true
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	}
	return SeverityNone, false
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Category string

const (
	CategoryEmail        Category = "email"
	CategoryPhone        Category = "phone"
	CategorySocialHandle Category = "social_handle"
	CategoryExternalURL  Category = "external_url"
	CategoryMessagingApp Category = "messaging_app"
	CategoryOffPlatform  Category = "off_platform"
	CategoryObfuscation  Category = "obfuscation"
)

// Violation is one rule hit. Excerpt is masked before it leaves the gate.
type Violation struct {
	Category Category `json:"category"`
	Excerpt  string   `json:"excerpt"`
}

type ValidationResult struct {
	IsValid           bool        `json:"isValid"`
	CanSend           bool        `json:"canSend"`
	Severity          Severity    `json:"severity"`
	MatchedCategories []Category  `json:"matchedCategories,omitempty"`
	Suggestions       []string    `json:"suggestions,omitempty"`
	Violations        []Violation `json:"violations,omitempty"`
}

// CategoryNames flattens matched categories for logging and errors.
func (r ValidationResult) CategoryNames() []string {
	names := make([]string, len(r.MatchedCategories))
	for i, c := range r.MatchedCategories {
		names[i] = string(c)
	}
	return names
}
