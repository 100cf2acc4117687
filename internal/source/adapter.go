// Package source contains the read-only adapters for the bug tracker, patch
// host, version control and code search services.
package source

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/joescharf/aprgen/internal/models"
)

// Content is the text returned for one locator.
type Content struct {
	Source  models.SourceTag
	Locator string
	Body    string
}

// Entry converts the content into an evidence entry.
func (c Content) Entry() models.EvidenceEntry {
	return models.EvidenceEntry{Source: c.Source, Locator: c.Locator, Content: c.Body}
}

// Adapter fetches content from one external source. Implementations return
// ErrNotFound, a *TransientError or a *MalformedError for the failures they
// can classify.
type Adapter interface {
	Tag() models.SourceTag
	Fetch(ctx context.Context, locator string) (Content, error)
}

// Registry is the dispatch table from source tag to adapter. It is built once
// at startup and read-only afterwards.
type Registry struct {
	adapters map[models.SourceTag]Adapter
}

// NewRegistry builds a registry, rejecting two adapters with the same tag.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.SourceTag]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Tag()]; dup {
			return nil, fmt.Errorf("duplicate adapter for source %q", a.Tag())
		}
		r.adapters[a.Tag()] = a
	}
	return r, nil
}

// Lookup returns the adapter for tag, or ErrUnknownSource.
func (r *Registry) Lookup(tag models.SourceTag) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("%q: %w", tag, ErrUnknownSource)
	}
	return a, nil
}

// Tags returns the registered tags, sorted.
func (r *Registry) Tags() []models.SourceTag {
	tags := make([]models.SourceTag, 0, len(r.adapters))
	for t := range r.adapters {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Fetch dispatches a request to its adapter.
func (r *Registry) Fetch(ctx context.Context, req models.FetchRequest) (Content, error) {
	a, err := r.Lookup(req.Source)
	if err != nil {
		return Content{}, err
	}
	return a.Fetch(ctx, req.Locator)
}

// Truncate cuts content to max bytes, appending a marker when it does.
// A max of zero or less disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
