// Package acceptance normalizes worker replies and gates done claims
// on evidence, failure signals, and verification commands.
package acceptance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Worker reply statuses.
const (
	StatusDone     = "done"
	StatusBlocked  = "blocked"
	StatusProgress = "progress"
)

// Field clipping bounds applied during normalization.
const (
	maxTextLen   = 4000
	maxItemLen   = 500
	maxListItems = 50
)

// Change is one file change reported by a worker.
type Change struct {
	// Path is the changed file.
	Path string `json:"path"`

	// Summary describes the change.
	Summary string `json:"summary,omitempty"`
}

// Reply is a normalized worker reply.
type Reply struct {
	// Status is done, blocked, or progress after coercion.
	Status string `json:"status"`

	// Summary is the worker's own account of the attempt.
	Summary string `json:"summary,omitempty"`

	// Changes lists reported file changes.
	Changes []Change `json:"changes,omitempty"`

	// Evidence lists evidence strings supplied by the worker.
	Evidence []string `json:"evidence,omitempty"`

	// Risks lists reported risks.
	Risks []string `json:"risks,omitempty"`

	// NextActions lists suggested follow-ups.
	NextActions []string `json:"nextActions,omitempty"`

	// TokenUsage is the summed token count reported by the worker.
	TokenUsage int64 `json:"tokenUsage,omitempty"`

	// Synthesized is true when the reply was fabricated because the
	// worker output could not be parsed.
	Synthesized bool `json:"synthesized,omitempty"`

	raw map[string]any
}

var (
	// jsonBlockPattern matches JSON inside markdown code fences.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches the largest brace-delimited substring.
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseReply turns raw worker output into a normalized Reply. It never
// fails: unparseable output synthesizes a blocked reply so the
// dispatcher always has something to act on.
func ParseReply(output string) *Reply {
	m := decodeReply(output)
	if m == nil {
		return &Reply{
			Status:      StatusBlocked,
			Summary:     "output is empty or invalid",
			Synthesized: true,
		}
	}

	reply := &Reply{raw: m}
	reply.Status = coerceStatus(textField(m, "status"))
	reply.Summary = clipText(textField(m, "summary"), maxTextLen)
	reply.Changes = changeList(m["changes"])
	reply.Evidence = stringList(m["evidence"])
	reply.Risks = stringList(m["risks"])
	reply.NextActions = stringList(m["nextActions"])
	reply.TokenUsage = tokenUsage(m)
	return reply
}

// decodeReply accepts a bare JSON object, a fenced code block, or the
// largest brace-delimited substring, cleaning trailing commas first.
func decodeReply(output string) map[string]any {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil
	}

	candidates := []string{trimmed}
	if m := jsonBlockPattern.FindStringSubmatch(trimmed); len(m) > 1 {
		candidates = append(candidates, m[1])
	}
	if m := jsonObjectPattern.FindString(trimmed); m != "" {
		candidates = append(candidates, m)
	}

	for _, candidate := range candidates {
		cleaned := trailingCommaPattern.ReplaceAllString(candidate, "$1")
		var parsed map[string]any
		if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

// coerceStatus maps unknown or missing statuses to progress.
func coerceStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusDone, "completed", "complete":
		return StatusDone
	case StatusBlocked:
		return StatusBlocked
	default:
		return StatusProgress
	}
}

// tokenUsage sums the prompt and completion axes, taking the maximum
// across alias fields on each axis so no axis is counted twice. A
// bare total field is the fallback when neither axis is reported.
func tokenUsage(m map[string]any) int64 {
	source := m
	if nested, ok := m["usage"].(map[string]any); ok {
		source = nested
	}

	prompt := maxTokens(numField(source, "prompt_tokens"), numField(source, "input_tokens"))
	completion := maxTokens(numField(source, "completion_tokens"), numField(source, "output_tokens"))
	total := prompt + completion
	if total > 0 {
		return total
	}

	for _, key := range []string{"total_tokens", "tokens", "tokenUsage", "tokensUsed"} {
		if n := numField(source, key); n > 0 {
			return n
		}
	}
	return numField(m, "tokenUsage")
}

func maxTokens(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// textField reads a scalar field as text. Numbers and booleans are
// stringified; structured values are ignored.
func textField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// numField reads a numeric field, accepting numbers or digit strings.
func numField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return int64(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		return n
	default:
		return 0
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if len(out) >= maxListItems {
			break
		}
		var text string
		switch t := item.(type) {
		case string:
			text = t
		case float64, bool:
			text = fmt.Sprint(t)
		default:
			continue
		}
		text = clipText(strings.TrimSpace(text), maxItemLen)
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

func changeList(v any) []Change {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Change
	for _, item := range items {
		if len(out) >= maxListItems {
			break
		}
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		change := Change{
			Path:    clipText(textField(entry, "path"), maxItemLen),
			Summary: clipText(textField(entry, "summary"), maxItemLen),
		}
		if change.Path == "" && change.Summary == "" {
			continue
		}
		out = append(out, change)
	}
	return out
}

// clipText truncates to max runes on a rune boundary.
func clipText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
