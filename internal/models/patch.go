package models

// Reviewer is a code-review participant on a differential.
type Reviewer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Patch is the accepted fix associated with a bug.
//
// When the patch host returned something that is not a diff (typically an
// HTML login page), DiffText stays empty, Held is set and Warning explains why.
type Patch struct {
	Revision  string     `json:"revision"`
	Title     string     `json:"title,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	DiffText  string     `json:"diff_text"`
	Reviewers []Reviewer `json:"reviewers,omitempty"`
	Status    string     `json:"status,omitempty"`
	Held      bool       `json:"held,omitempty"`
	Warning   string     `json:"warning,omitempty"`
}
