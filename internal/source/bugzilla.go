package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/aprgen/internal/models"
)

// Bugzilla reads bugs over the Bugzilla REST API.
//
// Locators: "<id>" (summary and description), "<id>/comments", "<id>/history".
type Bugzilla struct {
	http *httpGetter
}

// NewBugzilla creates a Bugzilla adapter rooted at baseURL.
func NewBugzilla(baseURL string, opts Options) *Bugzilla {
	return &Bugzilla{http: newGetter(baseURL, opts)}
}

// Tag implements Adapter.
func (b *Bugzilla) Tag() models.SourceTag { return models.SourceBugTracker }

type bzError struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bzBug struct {
	ID        int    `json:"id"`
	Summary   string `json:"summary"`
	Severity  string `json:"severity"`
	Priority  string `json:"priority"`
	Status    string `json:"status"`
	Component string `json:"component"`
	Product   string `json:"product"`
}

type bzComment struct {
	ID           int64     `json:"id"`
	Text         string    `json:"text"`
	Creator      string    `json:"creator"`
	CreationTime time.Time `json:"creation_time"`
	Count        int       `json:"count"`
}

type bzHistory struct {
	Who     string    `json:"who"`
	When    time.Time `json:"when"`
	Changes []struct {
		FieldName string `json:"field_name"`
		Removed   string `json:"removed"`
		Added     string `json:"added"`
	} `json:"changes"`
}

// GetBug fetches the seed fields, comments and history of a bug. The first
// comment becomes the description.
func (b *Bugzilla) GetBug(ctx context.Context, id int) (models.Bug, error) {
	meta, err := b.summary(ctx, id)
	if err != nil {
		return models.Bug{}, err
	}
	comments, err := b.comments(ctx, id)
	if err != nil {
		return models.Bug{}, err
	}
	history, err := b.history(ctx, id)
	if err != nil {
		return models.Bug{}, err
	}

	bug := models.Bug{
		ID:        meta.ID,
		Title:     meta.Summary,
		Severity:  meta.Severity,
		Priority:  meta.Priority,
		Status:    meta.Status,
		Component: meta.Component,
		Product:   meta.Product,
		History:   history,
	}
	if len(comments) > 0 {
		bug.Description = comments[0].Text
		bug.Comments = comments[1:]
	}
	return bug, nil
}

// Fetch implements Adapter.
func (b *Bugzilla) Fetch(ctx context.Context, locator string) (Content, error) {
	idPart, kind, _ := strings.Cut(strings.TrimSpace(locator), "/")
	id, err := strconv.Atoi(strings.TrimPrefix(idPart, "bug"))
	if err != nil || id <= 0 {
		return Content{}, fmt.Errorf("bugtracker %q: invalid bug id: %w", locator, ErrNotFound)
	}

	var body string
	switch kind {
	case "":
		bug, err := b.summary(ctx, id)
		if err != nil {
			return Content{}, err
		}
		comments, err := b.comments(ctx, id)
		if err != nil {
			return Content{}, err
		}
		var desc string
		if len(comments) > 0 {
			desc = comments[0].Text
		}
		body = fmt.Sprintf("Bug %d: %s\nStatus: %s\nProduct: %s :: %s\nSeverity: %s  Priority: %s\n\n%s",
			bug.ID, bug.Summary, bug.Status, bug.Product, bug.Component, bug.Severity, bug.Priority, desc)
	case "comments":
		comments, err := b.comments(ctx, id)
		if err != nil {
			return Content{}, err
		}
		body = FormatComments(comments)
	case "history":
		history, err := b.history(ctx, id)
		if err != nil {
			return Content{}, err
		}
		body = FormatHistory(history)
	default:
		return Content{}, fmt.Errorf("bugtracker %q: unsupported locator: %w", locator, ErrNotFound)
	}
	return Content{Source: b.Tag(), Locator: locator, Body: body}, nil
}

func (b *Bugzilla) summary(ctx context.Context, id int) (bzBug, error) {
	op := fmt.Sprintf("bugtracker bug %d", id)
	data, err := b.http.get(ctx, op, fmt.Sprintf("/rest/bug/%d", id), nil, "application/json")
	if err != nil {
		return bzBug{}, err
	}
	var resp struct {
		bzError
		Bugs []bzBug `json:"bugs"`
	}
	if err := decodeJSON(op, data, &resp); err != nil {
		return bzBug{}, err
	}
	if err := resp.bzError.check(op); err != nil {
		return bzBug{}, err
	}
	if len(resp.Bugs) == 0 {
		return bzBug{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return resp.Bugs[0], nil
}

func (b *Bugzilla) comments(ctx context.Context, id int) ([]models.Comment, error) {
	op := fmt.Sprintf("bugtracker comments %d", id)
	data, err := b.http.get(ctx, op, fmt.Sprintf("/rest/bug/%d/comment", id), nil, "application/json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		bzError
		Bugs map[string]struct {
			Comments []bzComment `json:"comments"`
		} `json:"bugs"`
	}
	if err := decodeJSON(op, data, &resp); err != nil {
		return nil, err
	}
	if err := resp.bzError.check(op); err != nil {
		return nil, err
	}
	entry, ok := resp.Bugs[strconv.Itoa(id)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	out := make([]models.Comment, 0, len(entry.Comments))
	for _, c := range entry.Comments {
		out = append(out, models.Comment{ID: c.ID, Author: c.Creator, Text: c.Text, CreatedAt: c.CreationTime})
	}
	return out, nil
}

func (b *Bugzilla) history(ctx context.Context, id int) ([]models.HistoryEvent, error) {
	op := fmt.Sprintf("bugtracker history %d", id)
	data, err := b.http.get(ctx, op, fmt.Sprintf("/rest/bug/%d/history", id), nil, "application/json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		bzError
		Bugs []struct {
			History []bzHistory `json:"history"`
		} `json:"bugs"`
	}
	if err := decodeJSON(op, data, &resp); err != nil {
		return nil, err
	}
	if err := resp.bzError.check(op); err != nil {
		return nil, err
	}
	var out []models.HistoryEvent
	for _, bug := range resp.Bugs {
		for _, h := range bug.History {
			ev := models.HistoryEvent{Who: h.Who, When: h.When}
			for _, c := range h.Changes {
				ev.Changes = append(ev.Changes, models.FieldChange{Field: c.FieldName, Removed: c.Removed, Added: c.Added})
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// check maps Bugzilla's in-body error codes. 101 is "bug does not exist",
// 102 is "access denied"; both are permanent.
func (e bzError) check(op string) error {
	if !e.Error {
		return nil
	}
	switch e.Code {
	case 100, 101, 102:
		return fmt.Errorf("%s: %s: %w", op, e.Message, ErrNotFound)
	default:
		return &MalformedError{Op: op, Reason: fmt.Sprintf("bugzilla error %d: %s", e.Code, e.Message)}
	}
}

// FormatComments renders comments as plain text, one block per comment.
func FormatComments(comments []models.Comment) string {
	var sb strings.Builder
	for i, c := range comments {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s:\n%s", c.CreatedAt.UTC().Format(time.RFC3339), c.Author, c.Text)
	}
	return sb.String()
}

// FormatHistory renders history events as "when who: field: removed -> added" lines.
func FormatHistory(history []models.HistoryEvent) string {
	var sb strings.Builder
	for _, h := range history {
		for _, c := range h.Changes {
			fmt.Fprintf(&sb, "%s %s: %s: %q -> %q\n", h.When.UTC().Format(time.RFC3339), h.Who, c.Field, c.Removed, c.Added)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func decodeJSON(op string, data []byte, v any) error {
	if LooksLikeHTML(string(data)) {
		return &MalformedError{Op: op, Reason: "html document where json was expected"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &MalformedError{Op: op, Reason: fmt.Sprintf("decode json: %v", err)}
	}
	return nil
}
