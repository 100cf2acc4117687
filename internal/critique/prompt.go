package critique

import (
	"fmt"
	"strings"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/models"
)

const systemPrompt = `You are a senior engineer reviewing how well a bug report, its discussion and the supplementary evidence explain an accepted fix. The goal is a training example an automated repair agent could learn from.

CHECKS FOR AI-READY ISSUES:
1. Problem definition: is the problem statement clear, scoped, with logs or crash data, and is the root cause identified?
2. Technical context: are the relevant files and modules identified, the component localized and a solution direction stated?
3. Acceptance: is validation guidance provided?
4. Risk: are side effects and backward compatibility risks considered?
5. Traceability: is the information self-contained?

Score the evidence from 0 to 100 against these checks. For every piece of missing information, add a gap. If one of the sources below can supply it, attach a fetch request:
- "bugtracker": locator "<bug id>", "<bug id>/comments" or "<bug id>/history"
- "patchhost": locator "D<revision>"
- "vcs": locator "rev:<changeset hash>", "file:<path>" or "file:<path>@<revision>"
- "codesearch": locator "symbol:<identifier>" or "path:<glob>"
Never request something already listed under supplementary evidence. Use "fetch": null when no source can help.

Also give your current analysis of the bug.

Return ONLY a JSON object:
{
  "score": 0-100,
  "critique": "what is strong and what is missing",
  "gaps": [
    {"name": "short-name", "description": "what is missing", "fetch": {"source": "vcs", "locator": "file:path/to/file.cpp"}}
  ],
  "analysis": {
    "root_cause": "...",
    "impact": "...",
    "fix_description": "...",
    "affected_files": ["path/to/file.cpp"],
    "lessons": ["..."]
  }
}`

// buildPrompt constructs the system and user prompts for one critique round.
func buildPrompt(snap evidence.Snapshot, target models.Patch, previousScore, maxBytes int) (system string, user string) {
	system = systemPrompt

	// The critique always judges the target patch, even if the bundle was
	// seeded with a held one.
	snap.Patch = target

	var sb strings.Builder
	if previousScore >= 0 {
		fmt.Fprintf(&sb, "Previous round score: %d/%d\n\n", previousScore, models.MaxScore)
	}
	sb.WriteString(snap.Render(maxBytes))
	user = sb.String()
	return
}
