package acceptance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplyBareJSON(t *testing.T) {
	output := `{
		"status": "done",
		"summary": "implemented the parser",
		"changes": [{"path": "parser/lexer.go", "summary": "new lexer"}],
		"evidence": ["go test ./... ok"],
		"risks": ["tokenizer is greedy"],
		"nextActions": ["wire into CLI"]
	}`

	reply := ParseReply(output)
	assert.Equal(t, StatusDone, reply.Status)
	assert.Equal(t, "implemented the parser", reply.Summary)
	require.Len(t, reply.Changes, 1)
	assert.Equal(t, "parser/lexer.go", reply.Changes[0].Path)
	assert.Equal(t, []string{"go test ./... ok"}, reply.Evidence)
	assert.Equal(t, []string{"tokenizer is greedy"}, reply.Risks)
	assert.Equal(t, []string{"wire into CLI"}, reply.NextActions)
	assert.False(t, reply.Synthesized)
}

func TestParseReplyCodeFence(t *testing.T) {
	output := "Here is my report:\n```json\n{\"status\": \"blocked\", \"summary\": \"missing credentials\"}\n```\nThanks!"

	reply := ParseReply(output)
	assert.Equal(t, StatusBlocked, reply.Status)
	assert.Equal(t, "missing credentials", reply.Summary)
}

func TestParseReplyLargestObject(t *testing.T) {
	output := `The worker said: {"status": "done", "summary": "all set"} and then exited.`

	reply := ParseReply(output)
	assert.Equal(t, StatusDone, reply.Status)
	assert.Equal(t, "all set", reply.Summary)
}

func TestParseReplyTrailingComma(t *testing.T) {
	output := `{"status": "done", "summary": "ok", "evidence": ["a.go",],}`

	reply := ParseReply(output)
	assert.Equal(t, StatusDone, reply.Status)
	assert.Equal(t, []string{"a.go"}, reply.Evidence)
}

func TestParseReplyInvalidSynthesizesBlocked(t *testing.T) {
	for _, output := range []string{"", "   ", "no json here", "{broken", "[1,2,3]"} {
		reply := ParseReply(output)
		assert.Equal(t, StatusBlocked, reply.Status, "output %q", output)
		assert.Equal(t, "output is empty or invalid", reply.Summary)
		assert.True(t, reply.Synthesized)
	}
}

func TestCoerceStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"done", StatusDone},
		{"DONE", StatusDone},
		{"completed", StatusDone},
		{"blocked", StatusBlocked},
		{"progress", StatusProgress},
		{"working", StatusProgress},
		{"", StatusProgress},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coerceStatus(tt.in), "status %q", tt.in)
	}
}

func TestTokenUsage(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int64
	}{
		{
			name:   "nested usage axes",
			output: `{"status":"done","usage":{"prompt_tokens":100,"completion_tokens":40}}`,
			want:   140,
		},
		{
			name:   "alias max per axis",
			output: `{"status":"done","usage":{"prompt_tokens":100,"input_tokens":80,"output_tokens":50}}`,
			want:   150,
		},
		{
			name:   "input output only",
			output: `{"status":"done","usage":{"input_tokens":30,"output_tokens":20}}`,
			want:   50,
		},
		{
			name:   "total fallback",
			output: `{"status":"done","usage":{"total_tokens":77}}`,
			want:   77,
		},
		{
			name:   "top level field",
			output: `{"status":"done","tokenUsage":42}`,
			want:   42,
		},
		{
			name:   "none reported",
			output: `{"status":"done"}`,
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReply(tt.output).TokenUsage)
		})
	}
}

func TestParseReplyClipsFields(t *testing.T) {
	long := strings.Repeat("x", maxTextLen+100)
	items := make([]string, 0, maxListItems+10)
	for i := 0; i < maxListItems+10; i++ {
		items = append(items, `"item"`)
	}
	output := `{"status":"progress","summary":"` + long + `","evidence":[` + strings.Join(items, ",") + `]}`

	reply := ParseReply(output)
	assert.Len(t, reply.Summary, maxTextLen)
	assert.Len(t, reply.Evidence, maxListItems)
}

func TestParseReplyToleratesSloppyLists(t *testing.T) {
	output := `{"status":"done","evidence":["a.go", 42, {"not":"text"}, true],
		"changes":[{"path":"x.go"}, "stray", {"summary":"no path"}]}`

	reply := ParseReply(output)
	assert.Equal(t, []string{"a.go", "42", "true"}, reply.Evidence)
	require.Len(t, reply.Changes, 2)
	assert.Equal(t, "x.go", reply.Changes[0].Path)
	assert.Equal(t, "no path", reply.Changes[1].Summary)
}
