package source

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/joescharf/aprgen/internal/models"
)

var changesetRe = regexp.MustCompile(`^[0-9a-fA-F]{6,40}$`)

// Mercurial reads changesets and files from an hgweb server.
//
// Locators: "rev:<hash>" for changeset metadata, "file:<path>" for a file at
// tip and "file:<path>@<rev>" for a file at a given revision.
type Mercurial struct {
	http *httpGetter
	repo string
}

// NewMercurial creates a VCS adapter for repo on the hgweb server at baseURL.
func NewMercurial(baseURL, repo string, opts Options) *Mercurial {
	return &Mercurial{http: newGetter(baseURL, opts), repo: strings.Trim(repo, "/")}
}

// Tag implements Adapter.
func (m *Mercurial) Tag() models.SourceTag { return models.SourceVCS }

// Fetch implements Adapter.
func (m *Mercurial) Fetch(ctx context.Context, locator string) (Content, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(locator), ":")
	if !ok || arg == "" {
		return Content{}, fmt.Errorf("vcs %q: unsupported locator: %w", locator, ErrNotFound)
	}

	var (
		body string
		err  error
	)
	switch kind {
	case "rev":
		body, err = m.changeset(ctx, arg)
	case "file":
		p, rev, found := strings.Cut(arg, "@")
		if !found || rev == "" {
			rev = "tip"
		}
		body, err = m.file(ctx, p, rev)
	default:
		return Content{}, fmt.Errorf("vcs %q: unsupported locator: %w", locator, ErrNotFound)
	}
	if err != nil {
		return Content{}, err
	}
	return Content{Source: m.Tag(), Locator: locator, Body: body}, nil
}

type hgChangeset struct {
	Node    string   `json:"node"`
	User    string   `json:"user"`
	Desc    string   `json:"desc"`
	Branch  string   `json:"branch"`
	Parents []string `json:"parents"`
	Files   []struct {
		File   string `json:"file"`
		Status string `json:"status"`
	} `json:"files"`
}

func (m *Mercurial) changeset(ctx context.Context, hash string) (string, error) {
	op := fmt.Sprintf("vcs rev %s", hash)
	if !changesetRe.MatchString(hash) {
		return "", fmt.Errorf("%s: invalid changeset hash: %w", op, ErrNotFound)
	}
	data, err := m.http.get(ctx, op, fmt.Sprintf("/%s/json-rev/%s", m.repo, hash), nil, "application/json")
	if err != nil {
		return "", err
	}
	var cs hgChangeset
	if err := decodeJSON(op, data, &cs); err != nil {
		return "", err
	}
	if cs.Node == "" {
		return "", &MalformedError{Op: op, Reason: "changeset without node"}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Changeset: %s\nUser: %s\n", cs.Node, cs.User)
	if len(cs.Parents) > 0 {
		fmt.Fprintf(&sb, "Parents: %s\n", strings.Join(cs.Parents, ", "))
	}
	fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(cs.Desc))
	if len(cs.Files) > 0 {
		sb.WriteString("\nFiles:\n")
		for _, f := range cs.Files {
			fmt.Fprintf(&sb, "  %s %s\n", f.Status, f.File)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (m *Mercurial) file(ctx context.Context, p, rev string) (string, error) {
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	op := fmt.Sprintf("vcs file %s@%s", p, rev)
	if p == "" || p == "." {
		return "", fmt.Errorf("%s: empty path: %w", op, ErrNotFound)
	}
	data, err := m.http.get(ctx, op, fmt.Sprintf("/%s/raw-file/%s/%s", m.repo, url.PathEscape(rev), p), nil, "")
	if err != nil {
		return "", err
	}
	text := string(data)
	if !isMarkupPath(p) && LooksLikeHTML(text) {
		return "", &MalformedError{Op: op, Reason: "html document where raw file content was expected"}
	}
	return text, nil
}

func isMarkupPath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".html", ".htm", ".xhtml", ".xml", ".svg":
		return true
	}
	return false
}
