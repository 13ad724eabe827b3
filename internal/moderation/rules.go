package moderation

import (
	"regexp"
	"strings"

	"gigchat/internal/constants"
	"gigchat/internal/models"
)

// Stage selects which form of the text a rule is matched against.
type Stage int

const (
	// StageResolved is normalized text with obfuscations resolved.
	StageResolved Stage = iota
	// StageNormalized is normalized text before obfuscation resolution,
	// used by rules that look for the obfuscation itself.
	StageNormalized
)

// Rule is one entry of the classification table. Match returns the
// matched excerpts; an empty result means the rule did not fire.
type Rule struct {
	Name     string
	Category models.Category
	Severity models.Severity
	Stage    Stage
	Match    func(text string) []string
}

// DefaultRules returns the built-in rule table. URLs on allowedDomains
// (and their subdomains) are not reported; an empty list falls back to
// constants.DefaultAllowedDomains.
func DefaultRules(allowedDomains []string) []Rule {
	if len(allowedDomains) == 0 {
		allowedDomains = constants.DefaultAllowedDomains
	}
	return []Rule{
		{Name: "email-address", Category: models.CategoryEmail, Severity: models.SeverityMedium, Match: matchEmail},
		{Name: "phone-number", Category: models.CategoryPhone, Severity: models.SeverityMedium, Match: matchPhone},
		{Name: "social-handle", Category: models.CategorySocialHandle, Severity: models.SeverityLow, Match: matchSocialHandle},
		{Name: "external-url", Category: models.CategoryExternalURL, Severity: models.SeverityLow, Match: urlMatcher(allowedDomains)},
		{Name: "messaging-app", Category: models.CategoryMessagingApp, Severity: models.SeverityMedium, Match: regexMatcher(messagingAppPattern)},
		{Name: "off-platform", Category: models.CategoryOffPlatform, Severity: models.SeverityLow, Match: regexMatcher(offPlatformPattern)},
		{Name: "obfuscated-contact", Category: models.CategoryObfuscation, Severity: models.SeverityHigh, Stage: StageNormalized, Match: matchObfuscation},
	}
}

var suggestions = map[models.Category]string{
	models.CategoryEmail:        "Remove the email address; keep the conversation in this chat.",
	models.CategoryPhone:        "Remove the phone number; calls can be arranged once a contract is active.",
	models.CategorySocialHandle: "Leave out social media handles.",
	models.CategoryExternalURL:  "Share work samples as attachments or link an approved portfolio site.",
	models.CategoryMessagingApp: "Keep messaging on this platform instead of other apps.",
	models.CategoryOffPlatform:  "Payments and contact must stay on the platform.",
	models.CategoryObfuscation:  "Disguised contact details are not allowed; please rewrite the message.",
}

// Suggestion returns the rewrite tip for a category.
func Suggestion(c models.Category) string {
	return suggestions[c]
}

var (
	emailPattern = regexp.MustCompile(`[a-z0-9._%+-]+@[a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,}`)

	phoneDigitsPattern  = regexp.MustCompile(`\+?\(?\d[\d\s().-]{5,}\d`)
	phoneContextPattern = regexp.MustCompile(`\b(?:call|text|ring|phone|sms)\s+me\s+(?:at|on)\b|\bmy\s+(?:phone|cell|mobile)(?:\s+number)?\s+is\b`)
	isoDatePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

	handlePattern         = regexp.MustCompile(`(?:^|[\s(])(@[a-z0-9_][a-z0-9_.]{2,29})\b`)
	socialPlatformPattern = regexp.MustCompile(`\b(?:my\s+(?:instagram|insta|twitter|tiktok|facebook|linkedin|snapchat|snap)|(?:instagram|insta|twitter|tiktok|facebook|snapchat)\s+(?:handle|account|profile|id|username)|follow\s+me\s+on)\b`)

	urlPattern = regexp.MustCompile(`\b(?:https?://|www\.)[^\s<>"']+|\b[a-z0-9-]+(?:\.[a-z0-9-]+)*\.(?:com|net|org|io|me|co|app|dev|info|biz|xyz|ly|gg)\b(?:/[^\s<>"']*)?`)

	messagingAppPattern = regexp.MustCompile(`\b(?:whats\s?app|telegram|signal\s+app|skype|wechat|viber|discord|kik|imessage|wa\.me|t\.me)\b`)

	offPlatformPattern = regexp.MustCompile(`\b(?:contact\s+me\s+(?:at|on|via|directly)|reach\s+me\s+(?:at|on|via)|email\s+me|dm\s+me|off[\s-]?platform|outside\s+(?:of\s+)?(?:the\s+)?(?:platform|site|app)|pay\s+(?:me\s+)?(?:directly|outside)|paypal|venmo|cash\s?app|zelle|bank\s+transfer|wire\s+transfer|avoid\s+(?:the\s+)?fees?)\b`)

	bracketSeparator = regexp.MustCompile(`[a-z0-9]\s*[\[({<]\s*(?:at|dot)\s*[\])}>]\s*[a-z0-9]`)
	spelledDigits    = regexp.MustCompile(`\b(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)(?:[\s,.-]+(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)){6,}\b`)
)

func regexMatcher(re *regexp.Regexp) func(string) []string {
	return func(text string) []string {
		return re.FindAllString(text, -1)
	}
}

func matchEmail(text string) []string {
	return emailPattern.FindAllString(text, -1)
}

func matchPhone(text string) []string {
	var out []string
	for _, m := range phoneDigitsPattern.FindAllString(text, -1) {
		m = strings.TrimSpace(m)
		if isoDatePattern.MatchString(m) {
			continue
		}
		if countDigits(m) >= 7 {
			out = append(out, m)
		}
	}
	return append(out, phoneContextPattern.FindAllString(text, -1)...)
}

func matchSocialHandle(text string) []string {
	var out []string
	for _, m := range handlePattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return append(out, socialPlatformPattern.FindAllString(text, -1)...)
}

func urlMatcher(allowed []string) func(string) []string {
	allowList := make([]string, 0, len(allowed))
	for _, d := range allowed {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowList = append(allowList, d)
		}
	}

	return func(text string) []string {
		// email domains are not links
		text = emailPattern.ReplaceAllString(text, " ")
		var out []string
		for _, m := range urlPattern.FindAllString(text, -1) {
			if !domainAllowed(hostOf(m), allowList) {
				out = append(out, m)
			}
		}
		return out
	}
}

func hostOf(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexAny(u, "/?#:"); i >= 0 {
		u = u[:i]
	}
	return strings.TrimPrefix(u, "www.")
}

func domainAllowed(host string, allowList []string) bool {
	for _, d := range allowList {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// matchObfuscation runs on text before resolution, so it sees the
// disguised separators themselves.
func matchObfuscation(normalized string) []string {
	out := bracketSeparator.FindAllString(normalized, -1)
	out = append(out, spacedEmail.FindAllString(normalized, -1)...)
	for _, loc := range spacedAtMatches(normalized) {
		out = append(out, normalized[loc[0]:loc[1]])
	}
	out = append(out, spacedDomain.FindAllString(normalized, -1)...)
	return append(out, spelledDigits.FindAllString(normalized, -1)...)
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
