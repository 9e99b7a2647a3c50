package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxSlugLength = 60
	emptySlug     = "conversation"
)

// Slugify turns free text into a lowercase, hyphen separated URL segment.
// Accents are folded, Slack markup such as <@U123> is dropped and the result is
// cut at a word boundary. Text with no usable characters yields "conversation".
func Slugify(text string) string {
	text = stripMarkup(text)

	var b strings.Builder
	pendingDash := false
	for _, r := range norm.NFKD.String(text) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingDash = true
		}
	}

	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		if i := strings.LastIndexByte(slug, '-'); i > maxSlugLength/2 {
			slug = slug[:i]
		}
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		return emptySlug
	}
	return slug
}

// stripMarkup removes <...> mention and link tokens, keeping the label of
// links written as <url|label>.
func stripMarkup(text string) string {
	for {
		start := strings.IndexByte(text, '<')
		if start == -1 {
			return text
		}
		end := strings.IndexByte(text[start:], '>')
		if end == -1 {
			return text
		}
		token := text[start+1 : start+end]
		label := ""
		if i := strings.IndexByte(token, '|'); i != -1 && !strings.HasPrefix(token, "@") && !strings.HasPrefix(token, "#") {
			label = token[i+1:]
		}
		text = text[:start] + label + text[start+end+1:]
	}
}
