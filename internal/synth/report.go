package synth

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/source"
)

// ReportInput is everything the report is rendered from.
type ReportInput struct {
	Bundle *evidence.Bundle
	Rounds []models.Round
	Fix    *models.GeneratedFix
}

type reportData struct {
	Bug            models.Bug
	Patch          models.Patch
	RootCause      string
	Impact         string
	FixDescription string
	AffectedFiles  []string
	Lessons        []string

	Rounds         int
	Scores         string
	FinalScore     int
	MaxScore       int
	Reason         models.TerminationReason
	DegradedRounds int
	EvidenceCounts []sourceCount
	OpenGaps       []models.OpenGap
	Warnings       []string

	PatchFiles   int
	PatchAdded   int
	PatchDeleted int
	Fix          *models.GeneratedFix
}

type sourceCount struct {
	Source models.SourceTag
	Count  int
}

var reportTmpl = template.Must(template.New("report").Parse(`# Bug {{.Bug.ID}}: {{.Bug.Title}}

Product: {{.Bug.Product}} :: {{.Bug.Component}}
Status: {{.Bug.Status}}  Severity: {{.Bug.Severity}}  Priority: {{.Bug.Priority}}
{{- if .Patch.Revision}}
Fix: {{.Patch.Revision}}{{if .Patch.Status}} ({{.Patch.Status}}){{end}}
{{- end}}

## Root cause

{{.RootCause}}

## Impact

{{.Impact}}

## Fix description

{{.FixDescription}}
{{- if .AffectedFiles}}

Affected files:
{{- range .AffectedFiles}}
- {{.}}
{{- end}}
{{- end}}

## Quality metrics

- Refinement rounds: {{.Rounds}}
- Score per round: {{.Scores}}
- Final score: {{.FinalScore}}/{{.MaxScore}}
- Termination: {{.Reason}}
- Degraded rounds: {{.DegradedRounds}}
- Supplementary evidence:{{if not .EvidenceCounts}} none{{end}}
{{- range .EvidenceCounts}}
  - {{.Source}}: {{.Count}}
{{- end}}
- Open gaps: {{len .OpenGaps}}
{{- range .OpenGaps}}
  - {{.Gap}} ({{.Request.Source}} {{.Request.Locator}}): {{.Reason}}
{{- end}}
{{- if .Patch.Held}}
- Ground-truth patch: held ({{.Patch.Warning}})
{{- else}}
- Ground-truth patch: {{.PatchFiles}} files, +{{.PatchAdded}} -{{.PatchDeleted}}
{{- end}}
{{- with .Fix}}
- Zero-knowledge fix: {{if .Valid}}valid diff, {{.Files}} files{{else}}invalid{{if .Error}} ({{.Error}}){{end}}{{end}}
{{- end}}
{{- if .Warnings}}

Warnings:
{{- range .Warnings}}
- {{.}}
{{- end}}
{{- end}}

## Lessons learned
{{range .Lessons}}
- {{.}}
{{- else}}
- None recorded.
{{- end}}
`))

// RenderReport produces the comprehensive report. Output depends only on
// the input, so re-rendering the same run yields the same text.
func RenderReport(in ReportInput) (string, error) {
	if in.Bundle == nil {
		return "", fmt.Errorf("render report: nil bundle")
	}
	bug := in.Bundle.Bug()
	patch := in.Bundle.Patch()
	analysis := latestAnalysis(in.Rounds)

	d := reportData{
		Bug:      bug,
		Patch:    patch,
		Rounds:   len(in.Rounds),
		MaxScore: models.MaxScore,
		Fix:      in.Fix,
	}

	scores := make([]string, 0, len(in.Rounds))
	for _, r := range in.Rounds {
		scores = append(scores, fmt.Sprintf("%d", r.Critique.Score))
		if r.Critique.Degraded {
			d.DegradedRounds++
		}
		d.OpenGaps = append(d.OpenGaps, r.Open...)
		d.Warnings = append(d.Warnings, r.Warnings...)
		if r.Terminated {
			d.FinalScore = r.Critique.Score
			d.Reason = r.Reason
		}
	}
	d.Scores = strings.Join(scores, " -> ")
	if d.Scores == "" {
		d.Scores = "none"
	}
	d.EvidenceCounts = countBySource(in.Bundle.Entries())

	if files, err := source.ParseDiff(patch.DiffText); err == nil {
		d.PatchFiles = len(files)
		for _, f := range files {
			st := f.Stat()
			d.PatchAdded += int(st.Added + st.Changed)
			d.PatchDeleted += int(st.Deleted + st.Changed)
		}
	}

	d.RootCause = firstNonEmpty(analysisField(analysis, func(a *models.Analysis) string { return a.RootCause }),
		"Not determined by the analysis. Reported symptoms:\n\n"+excerpt(bug.Description, 600))
	d.Impact = firstNonEmpty(analysisField(analysis, func(a *models.Analysis) string { return a.Impact }),
		fmt.Sprintf("Severity %s, priority %s in %s :: %s.", orNone(bug.Severity), orNone(bug.Priority), bug.Product, bug.Component))
	d.FixDescription = firstNonEmpty(analysisField(analysis, func(a *models.Analysis) string { return a.FixDescription }),
		firstNonEmpty(strings.TrimSpace(patch.Title+"\n\n"+patch.Summary), "No description available."))
	if analysis != nil {
		d.AffectedFiles = analysis.AffectedFiles
		d.Lessons = analysis.Lessons
	}
	if len(d.AffectedFiles) == 0 {
		if snippets, err := PreFixSnippets(patch.DiffText); err == nil {
			for _, s := range snippets {
				d.AffectedFiles = append(d.AffectedFiles, s.Path)
			}
		}
	}
	if len(d.Lessons) == 0 {
		for _, g := range d.OpenGaps {
			d.Lessons = append(d.Lessons, fmt.Sprintf("Evidence %q (%s) could not be obtained: %s.", g.Gap, g.Request, g.Reason))
		}
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// latestAnalysis returns the analysis of the last round that produced one.
func latestAnalysis(rounds []models.Round) *models.Analysis {
	for i := len(rounds) - 1; i >= 0; i-- {
		if a := rounds[i].Critique.Analysis; a != nil {
			return a
		}
	}
	return nil
}

func analysisField(a *models.Analysis, get func(*models.Analysis) string) string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(get(a))
}

func countBySource(entries []models.EvidenceEntry) []sourceCount {
	counts := map[models.SourceTag]int{}
	for _, e := range entries {
		counts[e.Source]++
	}
	out := make([]sourceCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, sourceCount{Source: s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no description)"
	}
	return source.Truncate(s, max)
}

func orNone(s string) string {
	if s == "" || s == "--" {
		return "unset"
	}
	return s
}
