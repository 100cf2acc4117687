package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/joescharf/aprgen/internal/models"
)

// maxSearchResults is how many matches are kept from a search.
const maxSearchResults = 5

// Searchfox queries a Searchfox code search instance.
//
// Locators: "symbol:<name>" for a text/identifier search, "path:<glob>" to
// list files whose path matches.
type Searchfox struct {
	http *httpGetter
	repo string
}

// NewSearchfox creates a code search adapter for repo.
func NewSearchfox(baseURL, repo string, opts Options) *Searchfox {
	return &Searchfox{http: newGetter(baseURL, opts), repo: strings.Trim(repo, "/")}
}

// Tag implements Adapter.
func (s *Searchfox) Tag() models.SourceTag { return models.SourceCodeSearch }

type sfLine struct {
	Lno  int    `json:"lno"`
	Line string `json:"line"`
}

type sfResult struct {
	Path  string   `json:"path"`
	Lines []sfLine `json:"lines"`
}

// Fetch implements Adapter.
func (s *Searchfox) Fetch(ctx context.Context, locator string) (Content, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(locator), ":")
	arg = strings.TrimSpace(arg)
	if !ok || arg == "" {
		return Content{}, fmt.Errorf("codesearch %q: unsupported locator: %w", locator, ErrNotFound)
	}

	q := url.Values{}
	switch kind {
	case "symbol":
		q.Set("q", arg)
	case "path":
		q.Set("q", "")
		q.Set("path", arg)
	default:
		return Content{}, fmt.Errorf("codesearch %q: unsupported locator: %w", locator, ErrNotFound)
	}

	results, err := s.search(ctx, "codesearch "+locator, q)
	if err != nil {
		return Content{}, err
	}
	if len(results) == 0 {
		return Content{}, fmt.Errorf("codesearch %q: no results: %w", locator, ErrNotFound)
	}
	return Content{Source: s.Tag(), Locator: locator, Body: formatSearchResults(results)}, nil
}

func (s *Searchfox) search(ctx context.Context, op string, q url.Values) ([]sfResult, error) {
	data, err := s.http.get(ctx, op, fmt.Sprintf("/%s/search", s.repo), q, "application/json")
	if err != nil {
		return nil, err
	}
	var top map[string]json.RawMessage
	if err := decodeJSON(op, data, &top); err != nil {
		return nil, err
	}
	if raw, ok := top["*timedout*"]; ok && string(raw) == "true" {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("search timed out")}
	}

	raw, ok := top["normal"]
	if !ok {
		return nil, nil
	}
	var categories map[string][]sfResult
	if err := json.Unmarshal(raw, &categories); err != nil {
		return nil, &MalformedError{Op: op, Reason: fmt.Sprintf("decode results: %v", err)}
	}

	// Definitions are the most useful context; everything else follows in a
	// stable order.
	keys := make([]string, 0, len(categories))
	for k := range categories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.HasPrefix(keys[i], "Definitions"), strings.HasPrefix(keys[j], "Definitions")
		if di != dj {
			return di
		}
		return keys[i] < keys[j]
	})

	var out []sfResult
	for _, k := range keys {
		for _, r := range categories[k] {
			out = append(out, r)
			if len(out) == maxSearchResults {
				return out, nil
			}
		}
	}
	return out, nil
}

// formatSearchResults renders results as "File: <path>\nContext: <line>" blocks.
func formatSearchResults(results []sfResult) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		snippet := ""
		if len(r.Lines) > 0 {
			snippet = strings.TrimSpace(r.Lines[0].Line)
		}
		blocks = append(blocks, fmt.Sprintf("File: %s\nContext: %s", r.Path, snippet))
	}
	return strings.Join(blocks, "\n\n")
}
