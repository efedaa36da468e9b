package evolve

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Summarizer compresses text to at most maxChars characters (runes).
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// ExtractiveSummarizer keeps whole leading sentences when they fit and
// otherwise cuts at a word boundary with an ellipsis. It never calls out to
// a model, so it cannot fail.
type ExtractiveSummarizer struct{}

const ellipsis = "…"

// Summarize implements Summarizer.
func (ExtractiveSummarizer) Summarize(_ context.Context, text string, maxChars int) (string, error) {
	return summarize(text, maxChars), nil
}

func summarize(text string, maxChars int) string {
	text = collapseSpace(text)
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	var b strings.Builder
	n := 0
	for _, s := range sentences(text) {
		sl := utf8.RuneCountInString(s)
		sep := 0
		if n > 0 {
			sep = 1
		}
		if n+sep+sl > maxChars {
			break
		}
		if sep == 1 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
		n += sep + sl
	}
	if n > 0 {
		return b.String()
	}

	return truncateClean(text, maxChars-utf8.RuneCountInString(ellipsis)) + ellipsis
}

// clip forces s under maxChars regardless of where it came from.
func clip(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	return truncateClean(s, maxChars-utf8.RuneCountInString(ellipsis)) + ellipsis
}

// sentences splits on ., ! or ? followed by whitespace. The terminator stays
// with its sentence.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// truncateClean cuts s to at most maxLen runes, backing up to the last word
// boundary when one is close enough to avoid a mid-word break.
func truncateClean(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}

	truncated := runes[:maxLen]
	for i := len(truncated) - 1; i > maxLen/2; i-- {
		if unicode.IsSpace(truncated[i]) {
			truncated = truncated[:i]
			break
		}
	}
	return strings.TrimRightFunc(string(truncated), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
