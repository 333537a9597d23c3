package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"kmsai/pkg/domain"
)

// Request is one classifier call: a single block in content mode, or two
// blocks in internal/external mode.
type Request struct {
	Mode  domain.ConflictType
	TextA string
	TextB string
}

// Classifier judges whether text contradicts itself or another text.
// Model failures are reported inside the Verdict, never as an error.
type Classifier interface {
	Classify(ctx context.Context, req Request) (domain.Verdict, error)
}

// ErrInvalidRequest is returned for requests that cannot be classified.
var ErrInvalidRequest = errors.New("invalid classifier request")

type LLMClassifierConfig struct {
	Timeout    time.Duration
	Attempts   uint64
	RetryDelay time.Duration
}

// LLMClassifier asks a TextGenerator for a JSON verdict.
type LLMClassifier struct {
	gen TextGenerator
	cfg LLMClassifierConfig
}

func NewLLMClassifier(gen TextGenerator, cfg LLMClassifierConfig) *LLMClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &LLMClassifier{gen: gen, cfg: cfg}
}

func (c *LLMClassifier) Classify(ctx context.Context, req Request) (domain.Verdict, error) {
	if strings.TrimSpace(req.TextA) == "" {
		return domain.Verdict{}, fmt.Errorf("%w: empty text", ErrInvalidRequest)
	}
	switch req.Mode {
	case domain.ConflictContent:
	case domain.ConflictInternal, domain.ConflictExternal:
		if strings.TrimSpace(req.TextB) == "" {
			return domain.Verdict{}, fmt.Errorf("%w: %s mode needs two texts", ErrInvalidRequest, req.Mode)
		}
	default:
		return domain.Verdict{}, fmt.Errorf("%w: mode %q", ErrInvalidRequest, req.Mode)
	}

	system, user := buildPrompts(req)
	var parsed rawVerdict
	attempt := 0
	backoff := retry.WithMaxRetries(c.cfg.Attempts-1, retry.NewConstant(c.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		text, err := c.gen.GenerateText(callCtx, system, user)
		if err != nil {
			slog.Warn("classifier call failed", "mode", req.Mode, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		v, err := ParseJSON[rawVerdict](text)
		if err != nil {
			slog.Warn("classifier returned malformed json", "mode", req.Mode, "attempt", attempt, "preview", preview(text, 200))
			return retry.RetryableError(err)
		}
		parsed = v
		return nil
	})
	if err != nil {
		return domain.Verdict{
			HasConflict:  false,
			ConflictType: req.Mode,
			Error:        "Lỗi khi phân tích: " + err.Error(),
		}, nil
	}
	return parsed.toVerdict(req.Mode), nil
}

type rawVerdict struct {
	HasContradiction flexBool           `json:"has_contradiction"`
	Contradictions   []rawContradiction `json:"contradictions"`
	Explanation      string             `json:"explanation"`
	ConflictingParts flexStrings        `json:"conflicting_parts"`
}

type rawContradiction struct {
	ID               flexInt     `json:"id"`
	Description      string      `json:"description"`
	Explanation      string      `json:"explanation"`
	ConflictingParts flexStrings `json:"conflicting_parts"`
	Severity         string      `json:"severity"`
}

func (r rawVerdict) toVerdict(mode domain.ConflictType) domain.Verdict {
	v := domain.Verdict{
		HasConflict:      bool(r.HasContradiction),
		Explanation:      strings.TrimSpace(r.Explanation),
		ConflictingParts: []string(r.ConflictingParts),
		ConflictType:     mode,
	}
	if !v.HasConflict {
		v.ConflictingParts = nil
		return v
	}
	for i, c := range r.Contradictions {
		id := int(c.ID)
		if id == 0 {
			id = i + 1
		}
		v.Contradictions = append(v.Contradictions, domain.Contradiction{
			ID:               id,
			Description:      c.Description,
			Explanation:      c.Explanation,
			ConflictingParts: []string(c.ConflictingParts),
			Severity:         domain.NormalizeSeverity(c.Severity),
		})
	}
	if len(v.Contradictions) == 0 {
		v.Contradictions = []domain.Contradiction{{
			ID:               1,
			Description:      fmt.Sprintf("%s contradiction detected", mode),
			Explanation:      v.Explanation,
			ConflictingParts: v.ConflictingParts,
			Severity:         domain.SeverityMedium,
		}}
	}
	if len(v.ConflictingParts) == 0 {
		for _, c := range v.Contradictions {
			v.ConflictingParts = append(v.ConflictingParts, c.ConflictingParts...)
		}
	}
	return v
}

// flexBool accepts true/false as well as "yes"/"no" style strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = flexBool(v)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "có", "co", "1":
			*b = true
		default:
			*b = false
		}
	case float64:
		*b = v != 0
	default:
		*b = false
	}
	return nil
}

// flexStrings accepts a string, a list of strings, or a list of scalars.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*s = nil
		} else {
			*s = flexStrings{one}
		}
		return nil
	}
	var many []any
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	out := make(flexStrings, 0, len(many))
	for _, item := range many {
		if item == nil {
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	*s = out
	return nil
}

type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*n = flexInt(v)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(v))
		*n = flexInt(i)
	}
	return nil
}

// preview cuts s to at most n bytes on a rune boundary.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
