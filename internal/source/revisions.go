package source

import (
	"regexp"
	"sort"
	"time"

	"github.com/joescharf/aprgen/internal/models"
)

var revisionRefRe = regexp.MustCompile(`\bD(\d{5,7})\b`)

type mention struct {
	at   time.Time
	text string
}

// FindRevisions scans a bug's description, comments and history for
// differential references like "D123456". Comments and history events are
// read in timestamp order, the description first. Results are unique, in
// order of first appearance, so the last one is the newest revision named.
func FindRevisions(bug models.Bug) []string {
	mentions := []mention{{text: bug.Description}}
	for _, c := range bug.Comments {
		mentions = append(mentions, mention{at: c.CreatedAt, text: c.Text})
	}
	for _, h := range bug.History {
		for _, ch := range h.Changes {
			mentions = append(mentions, mention{at: h.When, text: ch.Added})
		}
	}
	sort.SliceStable(mentions[1:], func(i, j int) bool {
		return mentions[1+i].at.Before(mentions[1+j].at)
	})

	var out []string
	seen := map[string]bool{}
	for _, m := range mentions {
		for _, ref := range revisionRefRe.FindAllString(m.text, -1) {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
