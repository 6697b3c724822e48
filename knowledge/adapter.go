// Package knowledge gathers read-only context hints for worker
// prompts from file and web sources. Source failures degrade the hint
// set instead of blocking dispatch.
package knowledge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/bmatcuk/doublestar/v4"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/c360studio/taskplane/state"
)

// ReasonDegraded marks a hint collection that lost one or more
// sources.
const ReasonDegraded = "knowledge_adapter_degraded"

const (
	maxHintRunes     = 2000
	maxFilesPerGlob  = 8
	maxResponseBytes = 2 << 20
)

// Config is the knowledge adapter configuration.
type Config struct {
	// Enabled turns hint collection on.
	Enabled bool `json:"enabled"`

	// ReadOnly signals the adapter must not mutate its sources.
	ReadOnly bool `json:"readOnly"`

	// TimeoutMs bounds the whole collection pass.
	TimeoutMs int `json:"timeoutMs"`

	// MaxItems caps the number of hints returned.
	MaxItems int `json:"maxItems"`

	// SourceCandidates lists file globs and http(s) URLs to read.
	SourceCandidates []string `json:"sourceCandidates,omitempty"`
}

// DefaultConfig returns a disabled, read-only adapter configuration.
func DefaultConfig() *Config {
	return &Config{ReadOnly: true, TimeoutMs: 3000, MaxItems: 5}
}

// LoadConfig reads the adapter configuration, falling back to the
// disabled default when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	err := state.ReadJSONFile(path, cfg)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read knowledge config: %w", err)
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = DefaultConfig().TimeoutMs
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultConfig().MaxItems
	}
	return cfg, nil
}

// Hint is one piece of context for a prompt.
type Hint struct {
	// Source is the file path or URL the hint came from.
	Source string `json:"source"`

	// Title is the document title when one was found.
	Title string `json:"title,omitempty"`

	// Text is the hint body, clipped.
	Text string `json:"text"`
}

// Adapter collects hints from the configured sources.
type Adapter struct {
	cfg       *Config
	root      string
	client    *http.Client
	converter *md.Converter
	logger    *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithHTTPClient overrides the HTTP client used for web sources.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// NewAdapter creates a knowledge adapter resolving relative globs
// against root.
func NewAdapter(cfg *Config, root string, opts ...Option) *Adapter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	a := &Adapter{
		cfg:       cfg,
		root:      root,
		client:    &http.Client{},
		converter: converter,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Hints collects up to MaxItems hints from the source candidates. The
// second return is true when one or more sources failed and the hint
// set is degraded.
func (a *Adapter) Hints(ctx context.Context) ([]Hint, bool) {
	if !a.cfg.Enabled || len(a.cfg.SourceCandidates) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	var hints []Hint
	degraded := false
	seen := map[string]bool{}

	for _, candidate := range a.cfg.SourceCandidates {
		if len(hints) >= a.cfg.MaxItems {
			break
		}
		var (
			collected []Hint
			err       error
		)
		if strings.Contains(candidate, "://") {
			collected, err = a.webHints(ctx, candidate)
		} else {
			collected, err = a.fileHints(candidate)
		}
		if err != nil {
			degraded = true
			a.logger.Warn("knowledge source failed",
				"source", candidate,
				"reason", ReasonDegraded,
				"error", err)
			continue
		}
		for _, hint := range collected {
			if len(hints) >= a.cfg.MaxItems {
				break
			}
			if seen[hint.Source] {
				continue
			}
			seen[hint.Source] = true
			hints = append(hints, hint)
		}
	}
	return hints, degraded
}

// fileHints reads every file matching a glob pattern.
func (a *Adapter) fileHints(pattern string) ([]Hint, error) {
	var matches []string
	var err error
	if filepath.IsAbs(pattern) {
		matches, err = doublestar.FilepathGlob(pattern)
	} else {
		matches, err = doublestar.Glob(os.DirFS(a.root), filepath.ToSlash(pattern))
		for i, match := range matches {
			matches[i] = filepath.Join(a.root, match)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	if len(matches) > maxFilesPerGlob {
		matches = matches[:maxFilesPerGlob]
	}
	var hints []Hint
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(match)
		if err != nil {
			return hints, fmt.Errorf("read %s: %w", match, err)
		}
		hints = append(hints, Hint{
			Source: match,
			Title:  filepath.Base(match),
			Text:   clipRunes(string(data), maxHintRunes),
		})
	}
	return hints, nil
}

// webHints fetches one URL and extracts its readable content as
// markdown.
func (a *Adapter) webHints(ctx context.Context, rawURL string) ([]Hint, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if pageURL.Scheme != "http" && pageURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", pageURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	title, text := a.extract(body, pageURL)
	if text == "" {
		return nil, fmt.Errorf("no readable content at %s", rawURL)
	}
	return []Hint{{Source: rawURL, Title: title, Text: clipRunes(text, maxHintRunes)}}, nil
}

// extract pulls the readable article from a page and converts it to
// markdown, falling back to plain text extraction.
func (a *Adapter) extract(body []byte, pageURL *url.URL) (string, string) {
	article, err := readability.FromReader(strings.NewReader(string(body)), pageURL)
	if err != nil {
		return htmlTitle(body), ""
	}

	title := article.Title
	if title == "" {
		title = htmlTitle(body)
	}

	markdown, err := a.converter.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(markdown) == "" {
		return title, strings.TrimSpace(article.TextContent)
	}
	return title, strings.TrimSpace(markdown)
}

// htmlTitle extracts the <title> element from raw HTML.
func htmlTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
