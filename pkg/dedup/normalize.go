package dedup

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var (
	numberRegex      = regexp.MustCompile(`\b\d+[.,]?\d*\b`)
	repeatPunctRegex = regexp.MustCompile(`([,.!?])[,.!?]*`)
	spacePunctRegex  = regexp.MustCompile(`\s*([,.!?])\s*`)
)

const keptSymbols = ` ,.!?()[]{}"'-+=%$@#&*:;`

// Normalize prepares text for similarity scoring: markup is stripped, the
// text is NFC-composed and lower-cased, characters outside letters, digits
// and basic punctuation are dropped, and punctuation and whitespace runs
// are collapsed.
func Normalize(text string) string {
	text = stripHTML(text)
	text = norm.NFC.String(text)
	text = strings.ToLower(text)

	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(keptSymbols, r) {
				return r
			}
			return -1
		}, w)
		if cleaned != "" {
			kept = append(kept, cleaned)
		}
	}
	out := strings.Join(kept, " ")
	out = repeatPunctRegex.ReplaceAllString(out, "$1")
	out = spacePunctRegex.ReplaceAllString(out, "$1 ")
	return strings.Join(strings.Fields(out), " ")
}

// stripHTML returns the text content of s when it looks like markup.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") || !strings.Contains(s, ">") {
		return s
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return b.String()
			}
			return s
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// NumericTokens extracts integers and decimals in order of appearance.
func NumericTokens(text string) []string {
	return numberRegex.FindAllString(text, -1)
}

// NumbersDiffer reports whether the numeric tokens of a and b differ in
// count or in sorted value.
func NumbersDiffer(a, b string) bool {
	na, nb := NumericTokens(a), NumericTokens(b)
	if len(na) != len(nb) {
		return true
	}
	sort.Strings(na)
	sort.Strings(nb)
	for i := range na {
		if na[i] != nb[i] {
			return true
		}
	}
	return false
}
