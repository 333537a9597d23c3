package ai

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)^\s*//.*$`)
	objectRegex        = regexp.MustCompile(`(?s)\{.*\}`)
)

// ErrUnparsableJSON is returned when no parse strategy produced valid JSON.
var ErrUnparsableJSON = errors.New("model output is not valid json")

// ParseJSON decodes model output into T. It tries, in order: the raw text,
// the body of a code fence, the text without trailing commas and line
// comments, and finally the outermost {...} span.
func ParseJSON[T any](text string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, ErrUnparsableJSON
	}
	candidates := []string{trimmed}
	if m := codeFenceRegex.FindStringSubmatch(trimmed); len(m) == 2 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	cleaned := cleanupJSON(candidates[len(candidates)-1])
	candidates = append(candidates, cleaned)
	if obj := objectRegex.FindString(cleaned); obj != "" {
		candidates = append(candidates, obj)
	}
	for _, c := range candidates {
		var out T
		if err := json.Unmarshal([]byte(c), &out); err == nil {
			return out, nil
		}
	}
	return zero, ErrUnparsableJSON
}

func cleanupJSON(s string) string {
	s = lineCommentRegex.ReplaceAllString(s, "")
	s = trailingCommaRegex.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
