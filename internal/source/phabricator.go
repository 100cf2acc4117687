package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/joescharf/aprgen/internal/models"
)

var revisionRe = regexp.MustCompile(`^[Dd]?(\d+)$`)

// ErrNoToken is returned by calls that need a Conduit API token when none is
// configured.
var ErrNoToken = errors.New("conduit API token not configured")

// searchLimit caps the revisions a bug search asks Conduit for.
const searchLimit = 10

// Phabricator reads differential revisions. Raw diffs are public; reviewer
// and status metadata need a Conduit API token.
//
// Locators: "D<rev>".
type Phabricator struct {
	http  *httpGetter
	token string
}

// NewPhabricator creates a patch host adapter. token may be empty.
func NewPhabricator(baseURL, token string, opts Options) *Phabricator {
	return &Phabricator{http: newGetter(baseURL, opts), token: token}
}

// Tag implements Adapter.
func (p *Phabricator) Tag() models.SourceTag { return models.SourcePatchHost }

// Fetch implements Adapter. The body is the raw diff.
func (p *Phabricator) Fetch(ctx context.Context, locator string) (Content, error) {
	id, err := parseRevision(locator)
	if err != nil {
		return Content{}, err
	}
	text, err := p.rawDiff(ctx, id)
	if err != nil {
		return Content{}, err
	}
	return Content{Source: p.Tag(), Locator: locator, Body: text}, nil
}

// GetDifferential fetches the raw diff of a revision plus, when a token is
// configured, its title, summary, status and reviewers. A metadata failure
// does not fail the call; it is reported in Patch.Warning.
func (p *Phabricator) GetDifferential(ctx context.Context, revision string) (models.Patch, error) {
	id, err := parseRevision(revision)
	if err != nil {
		return models.Patch{}, err
	}
	text, err := p.rawDiff(ctx, id)
	if err != nil {
		return models.Patch{}, err
	}
	patch := models.Patch{Revision: fmt.Sprintf("D%d", id), DiffText: text}

	if p.token == "" {
		return patch, nil
	}
	if err := p.fillMetadata(ctx, id, &patch); err != nil {
		if ctx.Err() != nil {
			return models.Patch{}, ctx.Err()
		}
		patch.Warning = fmt.Sprintf("revision metadata unavailable: %v", err)
	}
	return patch, nil
}

// rawDiff tries the download endpoint first and falls back to D<n>.diff when
// the first response is not shaped like a diff.
func (p *Phabricator) rawDiff(ctx context.Context, id int) (string, error) {
	op := fmt.Sprintf("patchhost D%d", id)
	data, err := p.http.get(ctx, op, fmt.Sprintf("/D%d", id), url.Values{"download": {"true"}}, "text/plain")
	if err != nil {
		return "", err
	}
	text := string(data)
	shapeErr := CheckDiffShape(op, text)
	if shapeErr == nil {
		return text, nil
	}

	data, err = p.http.get(ctx, op+" (.diff)", fmt.Sprintf("/D%d.diff", id), nil, "text/plain")
	if err != nil {
		if IsTransient(err) || ctx.Err() != nil {
			return "", err
		}
		return "", shapeErr
	}
	text = string(data)
	if err := CheckDiffShape(op, text); err != nil {
		return "", err
	}
	return text, nil
}

type conduitSearch struct {
	Result *struct {
		Data []struct {
			ID     int `json:"id"`
			Fields struct {
				Title   string `json:"title"`
				Summary string `json:"summary"`
				Status  struct {
					Value string `json:"value"`
					Name  string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
			Attachments struct {
				Reviewers struct {
					Reviewers []struct {
						ReviewerPHID string `json:"reviewerPHID"`
						Status       string `json:"status"`
					} `json:"reviewers"`
				} `json:"reviewers"`
			} `json:"attachments"`
		} `json:"data"`
	} `json:"result"`
	ErrorCode *string `json:"error_code"`
	ErrorInfo *string `json:"error_info"`
}

func (p *Phabricator) fillMetadata(ctx context.Context, id int, patch *models.Patch) error {
	op := fmt.Sprintf("patchhost conduit D%d", id)
	resp, err := p.searchConduit(ctx, op, map[string]any{
		"constraints": map[string]any{"ids": []int{id}},
		"attachments": map[string]any{"reviewers": true},
	})
	if err != nil {
		return err
	}
	if len(resp.Result.Data) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	rev := resp.Result.Data[0]
	patch.Title = rev.Fields.Title
	patch.Summary = rev.Fields.Summary
	patch.Status = rev.Fields.Status.Value
	for _, r := range rev.Attachments.Reviewers.Reviewers {
		patch.Reviewers = append(patch.Reviewers, models.Reviewer{Name: r.ReviewerPHID, Status: r.Status})
	}
	return nil
}

// SearchRevisions asks Conduit for revisions whose title or summary names
// bugID, newest first. Full-text hits that do not mention the bug number as a
// whole word are dropped. It needs a token and returns ErrNoToken without one.
func (p *Phabricator) SearchRevisions(ctx context.Context, bugID int) ([]string, error) {
	if p.token == "" {
		return nil, ErrNoToken
	}
	op := fmt.Sprintf("patchhost conduit search bug %d", bugID)
	resp, err := p.searchConduit(ctx, op, map[string]any{
		"constraints": map[string]any{"query": strconv.Itoa(bugID)},
		"order":       "newest",
		"limit":       searchLimit,
	})
	if err != nil {
		return nil, err
	}

	mention := regexp.MustCompile(`\b` + strconv.Itoa(bugID) + `\b`)
	var out []string
	for _, rev := range resp.Result.Data {
		if rev.ID <= 0 {
			continue
		}
		if mention.MatchString(rev.Fields.Title) || mention.MatchString(rev.Fields.Summary) {
			out = append(out, fmt.Sprintf("D%d", rev.ID))
		}
	}
	return out, nil
}

// searchConduit calls differential.revision.search. A Conduit-level error
// is returned as a plain error; a response without a result is malformed.
func (p *Phabricator) searchConduit(ctx context.Context, op string, params map[string]any) (*conduitSearch, error) {
	params["__conduit__"] = map[string]string{"token": p.token}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode conduit params: %w", err)
	}
	form := url.Values{
		"params":      {string(encoded)},
		"output":      {"json"},
		"__conduit__": {"1"},
	}
	data, err := p.http.postForm(ctx, op, "/api/differential.revision.search", form)
	if err != nil {
		return nil, err
	}
	var resp conduitSearch
	if err := decodeJSON(op, data, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != nil {
		info := ""
		if resp.ErrorInfo != nil {
			info = *resp.ErrorInfo
		}
		return nil, fmt.Errorf("%s: %s: %s", op, *resp.ErrorCode, info)
	}
	if resp.Result == nil {
		return nil, &MalformedError{Op: op, Reason: "conduit response has no result"}
	}
	return &resp, nil
}

func parseRevision(s string) (int, error) {
	m := revisionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("patchhost %q: invalid revision: %w", s, ErrNotFound)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("patchhost %q: invalid revision: %w", s, ErrNotFound)
	}
	return id, nil
}
