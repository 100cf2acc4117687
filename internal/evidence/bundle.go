// Package evidence holds the append-only record of everything fetched for one bug.
package evidence

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/joescharf/aprgen/internal/models"
)

var (
	// ErrFrozen is returned when merging into a bundle after loop termination.
	ErrFrozen = errors.New("evidence bundle is frozen")
	// ErrAlreadyFetched is returned when a (source, locator) pair is merged twice.
	ErrAlreadyFetched = errors.New("evidence already fetched")
)

// Redacted replaces any text that contains the held-out ground-truth patch.
const Redacted = "[redacted: contains the held-out patch]"

// Bundle accumulates the evidence for one bug. Seed fields are fixed at
// construction; supplementary entries are keyed by (source, locator), unique,
// and kept in insertion order.
type Bundle struct {
	bug           models.Bug
	patch         models.Patch
	supplementary *orderedmap.OrderedMap[models.FetchRequest, string]
	frozen        bool
}

// Snapshot is the serializable form of a bundle.
type Snapshot struct {
	Bug           models.Bug             `json:"bug"`
	Patch         models.Patch           `json:"patch"`
	Supplementary []models.EvidenceEntry `json:"supplementary"`
	Frozen        bool                   `json:"frozen"`
}

// New seeds a bundle from the bug tracker and patch host fetches.
func New(bug models.Bug, patch models.Patch) *Bundle {
	return &Bundle{
		bug:           copyBug(bug),
		patch:         copyPatch(patch),
		supplementary: orderedmap.New[models.FetchRequest, string](),
	}
}

// FromSnapshot rebuilds a bundle, including its supplementary entries.
func FromSnapshot(s Snapshot) (*Bundle, error) {
	b := New(s.Bug, s.Patch)
	if err := b.Merge(s.Supplementary...); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	b.frozen = s.Frozen
	return b, nil
}

// BugID returns the bug the bundle belongs to.
func (b *Bundle) BugID() int { return b.bug.ID }

// Bug returns a copy of the seed bug data.
func (b *Bundle) Bug() models.Bug { return copyBug(b.bug) }

// Patch returns a copy of the associated patch.
func (b *Bundle) Patch() models.Patch { return copyPatch(b.patch) }

// Has reports whether the request has already been satisfied.
func (b *Bundle) Has(req models.FetchRequest) bool {
	_, ok := b.supplementary.Get(req)
	return ok
}

// Lookup returns the content fetched for a request.
func (b *Bundle) Lookup(req models.FetchRequest) (string, bool) {
	return b.supplementary.Get(req)
}

// Len returns the number of supplementary entries.
func (b *Bundle) Len() int { return b.supplementary.Len() }

// Merge appends supplementary entries. Either all entries are merged or none:
// a frozen bundle, a key already present, or a key repeated within entries
// rejects the whole call.
func (b *Bundle) Merge(entries ...models.EvidenceEntry) error {
	if b.frozen {
		return ErrFrozen
	}
	seen := make(map[models.FetchRequest]bool, len(entries))
	for _, e := range entries {
		req := e.Request()
		if b.Has(req) || seen[req] {
			return fmt.Errorf("%s: %w", req, ErrAlreadyFetched)
		}
		seen[req] = true
	}
	for _, e := range entries {
		b.supplementary.Set(e.Request(), e.Content)
	}
	return nil
}

// Entries returns the supplementary entries in insertion order.
func (b *Bundle) Entries() []models.EvidenceEntry {
	out := make([]models.EvidenceEntry, 0, b.supplementary.Len())
	for pair := b.supplementary.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, models.EvidenceEntry{
			Source:  pair.Key.Source,
			Locator: pair.Key.Locator,
			Content: pair.Value,
		})
	}
	return out
}

// Freeze stops further merges.
func (b *Bundle) Freeze() { b.frozen = true }

// Frozen reports whether the bundle has been frozen.
func (b *Bundle) Frozen() bool { return b.frozen }

// Snapshot returns a deep copy suitable for serialization.
func (b *Bundle) Snapshot() Snapshot {
	return Snapshot{
		Bug:           copyBug(b.bug),
		Patch:         copyPatch(b.patch),
		Supplementary: b.Entries(),
		Frozen:        b.frozen,
	}
}

// ZeroKnowledge returns the bundle with the ground-truth patch held out.
// Patch-host entries are dropped, as are files read at tip that the patch
// modifies, since tip already carries the fix. Any text containing the
// verbatim diff is replaced with Redacted.
func (b *Bundle) ZeroKnowledge() Snapshot {
	groundTruth := strings.TrimSpace(b.patch.DiffText)
	patched := patchedPaths(groundTruth)
	redact := func(s string) string {
		if groundTruth != "" && strings.Contains(s, groundTruth) {
			return Redacted
		}
		return s
	}

	bug := copyBug(b.bug)
	bug.Description = redact(bug.Description)
	for i := range bug.Comments {
		bug.Comments[i].Text = redact(bug.Comments[i].Text)
	}

	var entries []models.EvidenceEntry
	for _, e := range b.Entries() {
		if e.Source == models.SourcePatchHost {
			continue
		}
		if e.Source == models.SourceVCS {
			if p, ok := tipFile(e.Locator); ok && patched[p] {
				continue
			}
		}
		e.Content = redact(e.Content)
		entries = append(entries, e)
	}

	return Snapshot{
		Bug:           bug,
		Supplementary: entries,
		Frozen:        b.frozen,
	}
}

// Replay rebuilds the final bundle from the seeded snapshot and the persisted
// rounds. Rounds must form the contiguous sequence 1..N.
func Replay(seed Snapshot, rounds []models.Round) (*Bundle, error) {
	b, err := FromSnapshot(seed)
	if err != nil {
		return nil, err
	}
	b.frozen = false

	sorted := make([]models.Round, len(rounds))
	copy(sorted, rounds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for i, r := range sorted {
		if r.Index != i+1 {
			return nil, fmt.Errorf("replay: expected round %d, got %d", i+1, r.Index)
		}
		if err := b.Merge(r.Fetched...); err != nil {
			return nil, fmt.Errorf("replay round %d: %w", r.Index, err)
		}
		if r.Terminated {
			b.Freeze()
			if i != len(sorted)-1 {
				return nil, fmt.Errorf("replay: round %d terminated but %d rounds follow", r.Index, len(sorted)-1-i)
			}
		}
	}
	return b, nil
}

// VerifyReplay checks that the round log is complete and deterministic: it
// must end with a terminated round, every fetched entry must land in the
// bundle, and two independent replays must agree.
func VerifyReplay(seed Snapshot, rounds []models.Round) (*Bundle, error) {
	if len(rounds) == 0 {
		return nil, errors.New("verify: no rounds")
	}
	first, err := Replay(seed, rounds)
	if err != nil {
		return nil, err
	}
	if !first.Frozen() {
		return nil, errors.New("verify: last round is not terminated")
	}
	want := len(seed.Supplementary)
	for _, r := range rounds {
		want += len(r.Fetched)
	}
	if first.Len() != want {
		return nil, fmt.Errorf("verify: bundle holds %d entries, rounds fetched %d", first.Len(), want)
	}
	second, err := Replay(seed, rounds)
	if err != nil {
		return nil, err
	}
	if !reflect.DeepEqual(first.Snapshot(), second.Snapshot()) {
		return nil, errors.New("verify: replays disagree")
	}
	return first, nil
}

// patchedPaths lists the files a unified diff touches on either side.
func patchedPaths(text string) map[string]bool {
	if text == "" {
		return nil
	}
	files, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil
	}
	out := make(map[string]bool)
	for _, f := range files {
		for _, name := range []string{f.OrigName, f.NewName} {
			if name == "" || name == "/dev/null" {
				continue
			}
			name = strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
			out[name] = true
		}
	}
	return out
}

// tipFile returns the path of a "file:<path>" or "file:<path>@tip" locator.
// Files pinned to another revision are not reported.
func tipFile(locator string) (string, bool) {
	arg, ok := strings.CutPrefix(strings.TrimSpace(locator), "file:")
	if !ok {
		return "", false
	}
	p, rev, _ := strings.Cut(arg, "@")
	if rev != "" && rev != "tip" {
		return "", false
	}
	return strings.TrimPrefix(p, "/"), true
}

func copyBug(bug models.Bug) models.Bug {
	out := bug
	out.Comments = append([]models.Comment(nil), bug.Comments...)
	out.History = make([]models.HistoryEvent, len(bug.History))
	for i, h := range bug.History {
		h.Changes = append([]models.FieldChange(nil), h.Changes...)
		out.History[i] = h
	}
	if bug.History == nil {
		out.History = nil
	}
	return out
}

func copyPatch(p models.Patch) models.Patch {
	out := p
	out.Reviewers = append([]models.Reviewer(nil), p.Reviewers...)
	return out
}
