package models

import (
	"fmt"
	"strings"
)

// SourceTag names one of the read-only evidence sources.
type SourceTag string

const (
	SourceBugTracker SourceTag = "bugtracker"
	SourcePatchHost  SourceTag = "patchhost"
	SourceVCS        SourceTag = "vcs"
	SourceCodeSearch SourceTag = "codesearch"
)

// AllSources lists the source tags in dispatch-table order.
var AllSources = []SourceTag{SourceBugTracker, SourcePatchHost, SourceVCS, SourceCodeSearch}

// ParseSourceTag normalizes a tag as written by a reasoning backend.
func ParseSourceTag(s string) SourceTag {
	return SourceTag(strings.ToLower(strings.TrimSpace(s)))
}

// FetchRequest asks a source adapter for the content at a locator.
type FetchRequest struct {
	Source  SourceTag `json:"source"`
	Locator string    `json:"locator"`
}

func (r FetchRequest) String() string {
	return fmt.Sprintf("%s:%s", r.Source, r.Locator)
}

// EvidenceEntry is supplementary content fetched for a request.
type EvidenceEntry struct {
	Source  SourceTag `json:"source"`
	Locator string    `json:"locator"`
	Content string    `json:"content"`
}

// Request returns the fetch request this entry satisfies.
func (e EvidenceEntry) Request() FetchRequest {
	return FetchRequest{Source: e.Source, Locator: e.Locator}
}
