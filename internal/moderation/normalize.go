package moderation

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	bracketAt  = regexp.MustCompile(`\s*[\[({<]\s*at\s*[\])}>]\s*`)
	bracketDot = regexp.MustCompile(`\s*[\[({<]\s*dot\s*[\])}>]\s*`)

	// name at host dot tld, optionally with more " dot " labels
	spacedEmail = regexp.MustCompile(`\b([a-z0-9][a-z0-9._+-]*)\s+at\s+([a-z0-9-]+(?:\s+dot\s+[a-z0-9-]+)*\s+dot\s+[a-z]{2,})\b`)
	// name at host.tld
	spacedAtEmail = regexp.MustCompile(`\b([a-z0-9][a-z0-9._+-]*)\s+at\s+([a-z0-9-]+(?:\.[a-z0-9-]+)*\.[a-z]{2,})\b`)
	// name@host dot tld
	spacedDomain = regexp.MustCompile(`([a-z0-9._+-]+@[a-z0-9-]+(?:\.[a-z0-9-]+)*)((?:\s+dot\s+[a-z0-9-]+)+)\b`)
	spacedDot    = regexp.MustCompile(`\s+dot\s+`)

	// words that read naturally before "at <site>" and are never a local part
	plainWords = map[string]bool{
		"look": true, "me": true, "us": true, "you": true, "him": true, "her": true,
		"them": true, "it": true, "this": true, "that": true, "here": true, "there": true,
		"work": true, "working": true, "available": true, "live": true, "posted": true,
		"published": true, "hosted": true, "see": true, "find": true, "found": true,
		"portfolio": true, "profile": true, "site": true, "website": true, "online": true, "page": true,
	}
)

// Normalize reduces text to the form rules match against: markup and
// entities removed, compatibility characters folded, lower case, single
// spaces. Obfuscated separators are left in place.
func Normalize(text string) string {
	plain := StripMarkup(text)
	plain = norm.NFKC.String(plain)
	plain = strings.ToLower(plain)
	return strings.Join(strings.Fields(plain), " ")
}

// ResolveObfuscations rewrites "[at]"/"(dot)" style separators and spaced
// " at "/" dot " inside email-shaped runs into "@" and ".".
func ResolveObfuscations(normalized string) string {
	s := bracketAt.ReplaceAllString(normalized, "@")
	s = bracketDot.ReplaceAllString(s, ".")
	s = spacedEmail.ReplaceAllStringFunc(s, func(m string) string {
		parts := spacedEmail.FindStringSubmatch(m)
		return parts[1] + "@" + spacedDot.ReplaceAllString(parts[2], ".")
	})
	s = replaceSpacedAt(s)
	s = spacedDomain.ReplaceAllStringFunc(s, func(m string) string {
		parts := spacedDomain.FindStringSubmatch(m)
		return parts[1] + spacedDot.ReplaceAllString(parts[2], ".")
	})
	return s
}

// spacedAtMatches finds "name at host.tld" runs whose name is not a plain
// word. Each match is a submatch index slice from spacedAtEmail.
func spacedAtMatches(s string) [][]int {
	var out [][]int
	for _, loc := range spacedAtEmail.FindAllStringSubmatchIndex(s, -1) {
		if !plainWords[s[loc[2]:loc[3]]] {
			out = append(out, loc)
		}
	}
	return out
}

func replaceSpacedAt(s string) string {
	matches := spacedAtMatches(s)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, loc := range matches {
		b.WriteString(s[last:loc[0]])
		b.WriteString(s[loc[2]:loc[3]])
		b.WriteByte('@')
		b.WriteString(s[loc[4]:loc[5]])
		last = loc[1]
	}
	b.WriteString(s[last:])
	return b.String()
}
