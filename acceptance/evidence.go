package acceptance

import (
	"regexp"
	"strings"
)

// Evidence is the classified proof extracted from a reply corpus.
type Evidence struct {
	// Hard lists URLs, file paths, and test-result lines.
	Hard []string `json:"hard,omitempty"`

	// Soft lists hint-word lines that carried no hard evidence.
	Soft []string `json:"soft,omitempty"`

	// Failures lists detected failure signals.
	Failures []string `json:"failures,omitempty"`
}

var (
	urlPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

	// passCountPattern matches standalone "N passed" summaries.
	passCountPattern = regexp.MustCompile(`\b[1-9]\d*\s+passed\b`)

	// okLinePattern matches go-test style "ok  <pkg>" lines.
	okLinePattern = regexp.MustCompile(`(?m)^ok\b`)

	// failCountPattern matches "N failed" summaries with a nonzero N.
	failCountPattern = regexp.MustCompile(`\b[1-9]\d*\s+failed\b`)

	// pytestFailPattern matches "FAILED path::nodeid" lines.
	pytestFailPattern = regexp.MustCompile(`FAILED\s+\S+::\S+`)

	// passSignalPattern matches a pass signal on a word boundary.
	passSignalPattern = regexp.MustCompile(`(?i)\b(ok|pass|passed)\b|✓`)

	// extPattern matches name.ext tokens with a 1 to 8 character extension.
	extPattern = regexp.MustCompile(`^[\w.\-]+\.([A-Za-z0-9]{1,8})$`)
)

// fileExts is the extension set that makes a bare name.ext token count
// as a file path.
var fileExts = map[string]bool{
	"go": true, "py": true, "js": true, "ts": true, "tsx": true, "jsx": true,
	"java": true, "rb": true, "rs": true, "c": true, "h": true, "cpp": true,
	"hpp": true, "cs": true, "sh": true, "bash": true, "sql": true,
	"html": true, "css": true, "json": true, "jsonl": true, "yaml": true,
	"yml": true, "toml": true, "ini": true, "cfg": true, "conf": true,
	"md": true, "txt": true, "log": true, "xml": true, "proto": true,
	"mod": true, "sum": true, "lock": true, "env": true, "csv": true,
}

// testKeywords mark a line as test-runner output when paired with a
// pass signal.
var testKeywords = []string{
	"pytest", "go test", "jest", "mocha", "junit", "unittest",
	"cargo test", "npm test", "vitest", "rspec", "phpunit",
}

// hintWords mark a line as soft evidence.
var hintWords = []string{
	"evidence", "proof", "log", "output", "result", "summary",
	"证据", "日志", "输出", "结果", "总结",
}

var failureMarkers = []string{
	"traceback (most recent call last)",
	"--- fail:",
	"测试未通过",
}

// Corpus joins the textual fields of a reply into one searchable blob:
// the summary, any free-text fields the worker emitted alongside the
// schema, each evidence item, and each change as "path: summary".
func Corpus(reply *Reply) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	add(reply.Summary)
	if reply.raw != nil {
		for _, key := range []string{"message", "result", "output", "text"} {
			add(textField(reply.raw, key))
		}
	}
	for _, item := range reply.Evidence {
		add(item)
	}
	for _, change := range reply.Changes {
		if change.Summary != "" {
			add(change.Path + ": " + change.Summary)
		} else {
			add(change.Path)
		}
	}
	return strings.Join(parts, "\n")
}

// Extract classifies the corpus into hard evidence, soft evidence, and
// failure signals.
func Extract(corpus string) *Evidence {
	ev := &Evidence{}
	seen := map[string]bool{}
	keep := func(list *[]string, item string) {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			return
		}
		seen[item] = true
		*list = append(*list, item)
	}

	for _, url := range urlPattern.FindAllString(corpus, -1) {
		keep(&ev.Hard, strings.TrimRight(url, ".,;"))
	}
	for _, token := range strings.Fields(corpus) {
		if path, ok := pathToken(token); ok {
			keep(&ev.Hard, path)
		}
	}

	hardLines := map[string]bool{}
	for _, line := range strings.Split(corpus, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if failure := failureSignal(trimmed); failure != "" {
			keep(&ev.Failures, trimmed)
			continue
		}
		if isTestResultLine(trimmed) {
			keep(&ev.Hard, trimmed)
			hardLines[trimmed] = true
		}
	}

	for _, line := range strings.Split(corpus, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || hardLines[trimmed] {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, hint := range hintWords {
			if strings.Contains(lower, hint) {
				keep(&ev.Soft, trimmed)
				break
			}
		}
	}
	return ev
}

// pathToken reports whether a whitespace token looks like a file path:
// it contains a separator or carries a recognized extension.
func pathToken(token string) (string, bool) {
	token = strings.Trim(token, `"'()[]{}<>,;:`)
	token = strings.TrimRight(token, ".")
	if len(token) < 3 || strings.HasPrefix(token, "http") {
		return "", false
	}
	if strings.Contains(token, "/") {
		if strings.Trim(token, "/") == "" {
			return "", false
		}
		return token, true
	}
	if m := extPattern.FindStringSubmatch(token); m != nil && fileExts[strings.ToLower(m[1])] {
		return token, true
	}
	return "", false
}

// isTestResultLine reports whether a line reads like test output with
// a pass signal.
func isTestResultLine(line string) bool {
	lower := strings.ToLower(line)
	if passCountPattern.MatchString(lower) || okLinePattern.MatchString(line) {
		return true
	}
	if strings.Contains(line, "测试通过") {
		return true
	}
	for _, keyword := range testKeywords {
		if strings.Contains(lower, keyword) && passSignalPattern.MatchString(line) {
			return true
		}
	}
	return false
}

// failureSignal returns a non-empty marker name when the line carries
// a recognized failure signal.
func failureSignal(line string) string {
	lower := strings.ToLower(line)
	if failCountPattern.MatchString(lower) {
		return "fail_count"
	}
	if pytestFailPattern.MatchString(line) {
		return "pytest_failure"
	}
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return "marker"
		}
	}
	if strings.Contains(line, "测试未通过") {
		return "marker"
	}
	return ""
}
