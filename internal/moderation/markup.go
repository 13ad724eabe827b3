package moderation

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tags kept by SanitizeRichText. Attributes are always dropped.
var allowedTags = map[atom.Atom]bool{
	atom.P:      true,
	atom.Br:     true,
	atom.B:      true,
	atom.Strong: true,
	atom.I:      true,
	atom.Em:     true,
	atom.U:      true,
	atom.Ol:     true,
	atom.Ul:     true,
	atom.Li:     true,
}

// Elements whose text content is never shown.
var droppedContent = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Iframe:   true,
	atom.Noscript: true,
}

// Tags that separate words when stripped.
var breakingTags = map[atom.Atom]bool{
	atom.P:   true,
	atom.Br:  true,
	atom.Li:  true,
	atom.Div: true,
	atom.Ol:  true,
	atom.Ul:  true,
}

// SanitizeRichText restricts markup to paragraphs, line breaks, bold,
// italic, underline and lists.
func SanitizeRichText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())

		case html.TextToken:
			if skipDepth == 0 {
				b.WriteString(html.EscapeString(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if droppedContent[tok.DataAtom] {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if skipDepth == 0 && allowedTags[tok.DataAtom] {
				b.WriteString("<" + tok.Data + ">")
			}

		case html.EndTagToken:
			tok := z.Token()
			if droppedContent[tok.DataAtom] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth == 0 && allowedTags[tok.DataAtom] && tok.DataAtom != atom.Br {
				b.WriteString("</" + tok.Data + ">")
			}
		}
	}
}

// StripMarkup returns the visible text of s with entities decoded and
// whitespace collapsed.
func StripMarkup(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")

		case html.TextToken:
			if skipDepth == 0 {
				// z.Token unescapes entities
				b.WriteString(z.Token().Data)
			}

		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			tok := z.Token()
			if droppedContent[tok.DataAtom] {
				switch {
				case tt == html.StartTagToken:
					skipDepth++
				case tt == html.EndTagToken && skipDepth > 0:
					skipDepth--
				}
				continue
			}
			if breakingTags[tok.DataAtom] {
				b.WriteByte(' ')
			}
		}
	}
}
