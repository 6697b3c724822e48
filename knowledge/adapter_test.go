package knowledge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestHintsDisabled(t *testing.T) {
	cfg := &Config{Enabled: false, TimeoutMs: 1000, MaxItems: 5, SourceCandidates: []string{"docs/*.md"}}
	adapter := NewAdapter(cfg, t.TempDir(), WithLogger(testLogger()))

	hints, degraded := adapter.Hints(context.Background())
	if hints != nil {
		t.Fatalf("expected no hints, got %d", len(hints))
	}
	if degraded {
		t.Fatal("disabled adapter must not report degraded")
	}
}

func TestHintsFromFileGlob(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "retry.md"), "Always retry idempotent calls.")
	writeFile(t, filepath.Join(root, "docs", "style.md"), "Prefer table driven tests.")
	writeFile(t, filepath.Join(root, "docs", "notes.txt"), "not matched")

	cfg := &Config{Enabled: true, TimeoutMs: 1000, MaxItems: 5, SourceCandidates: []string{"docs/*.md"}}
	adapter := NewAdapter(cfg, root, WithLogger(testLogger()))

	hints, degraded := adapter.Hints(context.Background())
	if degraded {
		t.Fatal("unexpected degraded flag")
	}
	if len(hints) != 2 {
		t.Fatalf("expected 2 hints, got %d", len(hints))
	}
	for _, hint := range hints {
		if !strings.HasSuffix(hint.Title, ".md") {
			t.Errorf("unexpected title %q", hint.Title)
		}
		if hint.Text == "" {
			t.Errorf("empty text for %s", hint.Source)
		}
	}
}

func TestHintsMaxItems(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md"} {
		writeFile(t, filepath.Join(root, "docs", name), "content "+name)
	}

	cfg := &Config{Enabled: true, TimeoutMs: 1000, MaxItems: 2, SourceCandidates: []string{"docs/*.md"}}
	adapter := NewAdapter(cfg, root, WithLogger(testLogger()))

	hints, _ := adapter.Hints(context.Background())
	if len(hints) != 2 {
		t.Fatalf("expected hints capped at 2, got %d", len(hints))
	}
}

func TestHintsFromWebSource(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Retry Guidance</title></head>
<body>
<article>
<h1>Retry Guidance</h1>
<p>Workers should back off exponentially when a spawn fails. The first
retry happens after the cooldown window expires and never before.</p>
<p>Escalation to a human operator is the terminal step of every
recovery chain. Do not loop between agents without bounds.</p>
<p>Budget limits apply to retries as much as to tokens. A retry that
would exceed the retry budget must hand the task to a human.</p>
</article>
</body>
</html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	}))
	defer server.Close()

	cfg := &Config{Enabled: true, TimeoutMs: 5000, MaxItems: 3, SourceCandidates: []string{server.URL}}
	adapter := NewAdapter(cfg, t.TempDir(), WithLogger(testLogger()), WithHTTPClient(server.Client()))

	hints, degraded := adapter.Hints(context.Background())
	if degraded {
		t.Fatal("unexpected degraded flag")
	}
	if len(hints) != 1 {
		t.Fatalf("expected 1 hint, got %d", len(hints))
	}
	if hints[0].Source != server.URL {
		t.Errorf("source = %q, want %q", hints[0].Source, server.URL)
	}
	if !strings.Contains(hints[0].Text, "cooldown") {
		t.Errorf("hint text missing article content: %q", hints[0].Text)
	}
}

func TestHintsWebFailureDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "ok.md"), "still readable")

	cfg := &Config{
		Enabled:          true,
		TimeoutMs:        5000,
		MaxItems:         5,
		SourceCandidates: []string{server.URL, "docs/*.md"},
	}
	adapter := NewAdapter(cfg, root, WithLogger(testLogger()), WithHTTPClient(server.Client()))

	hints, degraded := adapter.Hints(context.Background())
	if !degraded {
		t.Fatal("expected degraded flag after web failure")
	}
	if len(hints) != 1 {
		t.Fatalf("expected the file hint to survive, got %d hints", len(hints))
	}
	if hints[0].Title != "ok.md" {
		t.Errorf("unexpected surviving hint %q", hints[0].Title)
	}
}

func TestHintsUnsupportedScheme(t *testing.T) {
	cfg := &Config{Enabled: true, TimeoutMs: 1000, MaxItems: 5, SourceCandidates: []string{"ftp://example.com/doc"}}
	adapter := NewAdapter(cfg, t.TempDir(), WithLogger(testLogger()))

	hints, degraded := adapter.Hints(context.Background())
	if !degraded {
		t.Fatal("expected degraded flag for unsupported scheme")
	}
	if len(hints) != 0 {
		t.Fatalf("expected no hints, got %d", len(hints))
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "knowledge-feedback.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled {
		t.Error("default config must be disabled")
	}
	if !cfg.ReadOnly {
		t.Error("default config must be read only")
	}
	if cfg.TimeoutMs != 3000 || cfg.MaxItems != 5 {
		t.Errorf("unexpected defaults: timeout=%d maxItems=%d", cfg.TimeoutMs, cfg.MaxItems)
	}
}

func TestLoadConfigNormalizesBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge-feedback.json")
	writeFile(t, path, `{"enabled": true, "timeoutMs": 0, "maxItems": -2}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Enabled {
		t.Error("enabled flag lost")
	}
	if cfg.TimeoutMs != 3000 {
		t.Errorf("timeoutMs = %d, want 3000", cfg.TimeoutMs)
	}
	if cfg.MaxItems != 5 {
		t.Errorf("maxItems = %d, want 5", cfg.MaxItems)
	}
}

func TestHTMLTitle(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"simple", `<html><head><title>Doc Title</title></head><body></body></html>`, "Doc Title"},
		{"whitespace", `<html><head><title>  Padded  </title></head></html>`, "Padded"},
		{"missing", `<html><body><p>no title</p></body></html>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlTitle([]byte(tt.body)); got != tt.want {
				t.Errorf("htmlTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClipRunes(t *testing.T) {
	if got := clipRunes("短文本", 2); got != "短文" {
		t.Errorf("clipRunes = %q", got)
	}
	if got := clipRunes("short", 10); got != "short" {
		t.Errorf("clipRunes = %q", got)
	}
}
