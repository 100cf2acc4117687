package models

import (
	"fmt"
	"time"
)

// MaxScore is the top of the completeness scale.
const MaxScore = 100

// Gap is a named piece of information the critique found missing.
type Gap struct {
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	RequestedFetch *FetchRequest `json:"requested_fetch,omitempty"`
}

// Analysis is the backend's current best understanding of the bug, refined
// each round alongside the critique.
type Analysis struct {
	RootCause      string   `json:"root_cause,omitempty"`
	Impact         string   `json:"impact,omitempty"`
	FixDescription string   `json:"fix_description,omitempty"`
	AffectedFiles  []string `json:"affected_files,omitempty"`
	Lessons        []string `json:"lessons,omitempty"`
}

// CritiqueResult is the structured judgment produced for one round.
type CritiqueResult struct {
	Score         int       `json:"score"`
	Critique      string    `json:"critique,omitempty"`
	Gaps          []Gap     `json:"gaps"`
	Analysis      *Analysis `json:"analysis,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
	DegradeReason string    `json:"degrade_reason,omitempty"`
}

// Requests returns the fetch requests in gap order, duplicates included.
func (c CritiqueResult) Requests() []FetchRequest {
	var out []FetchRequest
	for _, g := range c.Gaps {
		if g.RequestedFetch != nil {
			out = append(out, *g.RequestedFetch)
		}
	}
	return out
}

// TerminationReason explains why the refinement loop stopped.
type TerminationReason string

const (
	TerminationThreshold        TerminationReason = "score_threshold"
	TerminationMaxRounds        TerminationReason = "max_rounds"
	TerminationNoActionableGaps TerminationReason = "no_actionable_gaps"
)

// OpenReason explains why a requested fetch left its gap open.
type OpenReason string

const (
	OpenNotFound      OpenReason = "not_found"
	OpenTransient     OpenReason = "transient"
	OpenMalformed     OpenReason = "malformed"
	OpenUnknownSource OpenReason = "unknown_source"
	OpenError         OpenReason = "error"
)

// OpenGap is a requested fetch that could not be satisfied in a round.
type OpenGap struct {
	Gap     string       `json:"gap"`
	Request FetchRequest `json:"request"`
	Reason  OpenReason   `json:"reason"`
	Detail  string       `json:"detail,omitempty"`
}

// Round is an immutable, versioned snapshot of one refinement round.
type Round struct {
	BugID      int               `json:"bug_id"`
	Index      int               `json:"index"`
	Critique   CritiqueResult    `json:"critique"`
	Fetched    []EvidenceEntry   `json:"fetched"`
	Open       []OpenGap         `json:"open,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Terminated bool              `json:"terminated"`
	Reason     TerminationReason `json:"reason,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Key returns the stable artifact key of the round.
func (r Round) Key() string {
	return RoundKey(r.BugID, r.Index)
}

// RoundKey returns "bug_<id>_analysis_v<n>".
func RoundKey(bugID, index int) string {
	return fmt.Sprintf("bug_%d_analysis_v%d", bugID, index)
}
