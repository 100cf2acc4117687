package models

import (
	"fmt"
	"time"
)

// ArtifactKind classifies persisted artifacts.
type ArtifactKind string

const (
	ArtifactSeed     ArtifactKind = "seed"
	ArtifactRound    ArtifactKind = "round"
	ArtifactReport   ArtifactKind = "report"
	ArtifactPatch    ArtifactKind = "patch"
	ArtifactZeroShot ArtifactKind = "zeroshot"
)

// Artifact is a named, overwritable piece of output for one bug.
type Artifact struct {
	Key       string
	BugID     int
	Kind      ArtifactKind
	Version   int
	Content   string
	Valid     bool
	UpdatedAt time.Time
}

// SeedKey returns the key of the seeded evidence snapshot.
func SeedKey(bugID int) string { return fmt.Sprintf("bug_%d_seed", bugID) }

// ReportKey returns the key of the comprehensive report.
func ReportKey(bugID int) string { return fmt.Sprintf("bug_%d_report", bugID) }

// PatchKey returns the key of the verbatim ground-truth patch.
func PatchKey(bugID int) string { return fmt.Sprintf("bug_%d_patch", bugID) }

// ZeroShotKey returns the key of the generated zero-knowledge fix.
func ZeroShotKey(bugID int) string { return fmt.Sprintf("bug_%d_zeroshot", bugID) }

// GeneratedFix is the zero-knowledge candidate fix. Valid is cleared when the
// text does not parse as a unified diff; the text is kept either way.
type GeneratedFix struct {
	Text  string `json:"text"`
	Valid bool   `json:"valid"`
	Files int    `json:"files"`
	Error string `json:"error,omitempty"`
}

// ArtifactSet is the final output of one bug run.
type ArtifactSet struct {
	BugID            int
	Report           string
	GroundTruthPatch string
	Fix              GeneratedFix
}
