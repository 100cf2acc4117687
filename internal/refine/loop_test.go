package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/aprgen/internal/evidence"
	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/logging"
	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/source"
)

// --- stubs ---

// scriptCritic returns one scripted result per round, repeating the last.
type scriptCritic struct {
	script []models.CritiqueResult
	err    error
	errAt  int
	prev   []int
	calls  int
}

func (c *scriptCritic) Critique(_ context.Context, _ *evidence.Bundle, _ models.Patch, prev int) (models.CritiqueResult, error) {
	c.calls++
	c.prev = append(c.prev, prev)
	if c.err != nil && c.calls >= c.errAt {
		return models.CritiqueResult{}, c.err
	}
	i := c.calls - 1
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	return c.script[i], nil
}

// stubFetcher serves scripted responses and fails the test if a key that
// was already served successfully is fetched again.
type stubFetcher struct {
	t       *testing.T
	respond func(req models.FetchRequest, attempt int) (string, error)
	calls   map[models.FetchRequest]int
	served  map[models.FetchRequest]bool
	onFetch func()
}

func newStubFetcher(t *testing.T, respond func(models.FetchRequest, int) (string, error)) *stubFetcher {
	return &stubFetcher{
		t:       t,
		respond: respond,
		calls:   map[models.FetchRequest]int{},
		served:  map[models.FetchRequest]bool{},
	}
}

func (f *stubFetcher) Fetch(_ context.Context, req models.FetchRequest) (source.Content, error) {
	if f.served[req] {
		f.t.Errorf("double fetch of %s", req)
	}
	f.calls[req]++
	if f.onFetch != nil {
		f.onFetch()
	}
	body, err := f.respond(req, f.calls[req])
	if err != nil {
		return source.Content{}, err
	}
	f.served[req] = true
	return source.Content{Source: req.Source, Locator: req.Locator, Body: body}, nil
}

func (f *stubFetcher) totalCalls() int {
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// memLog records rounds and checks that a round is persisted before its
// evidence reaches the bundle.
type memLog struct {
	t      *testing.T
	bundle *evidence.Bundle
	rounds []models.Round
	err    error
}

func (m *memLog) AppendRound(_ context.Context, r models.Round) error {
	if m.err != nil {
		return m.err
	}
	if m.bundle != nil {
		for _, e := range r.Fetched {
			assert.False(m.t, m.bundle.Has(e.Request()), "round %d persisted after merge", r.Index)
		}
	}
	m.rounds = append(m.rounds, r)
	return nil
}

// --- helpers ---

func fetchGap(name string, src models.SourceTag, loc string) models.Gap {
	return models.Gap{Name: name, Description: name, RequestedFetch: &models.FetchRequest{Source: src, Locator: loc}}
}

func crit(score int, gaps ...models.Gap) models.CritiqueResult {
	return models.CritiqueResult{Score: score, Gaps: gaps}
}

func seedBundle() *evidence.Bundle {
	return evidence.New(
		models.Bug{ID: 7, Title: "Crash", Description: "It crashes"},
		models.Patch{Revision: "D12345", DiffText: "--- a/x.c\n+++ b/x.c\n@@ -1 +1 @@\n-a\n+b\n"},
	)
}

func okFetcher(t *testing.T) *stubFetcher {
	return newStubFetcher(t, func(req models.FetchRequest, _ int) (string, error) {
		return "content of " + req.Locator, nil
	})
}

type harness struct {
	loop    *Loop
	log     *memLog
	bundle  *evidence.Bundle
	sleeps  []time.Duration
	states  []State
	fetcher *stubFetcher
}

func newHarness(t *testing.T, cfg Config, c Critic, f *stubFetcher) *harness {
	t.Helper()
	h := &harness{bundle: seedBundle(), fetcher: f}
	h.log = &memLog{t: t, bundle: h.bundle}
	loop, err := New(cfg, c, f, h.log,
		WithLogger(logging.Discard()),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		WithStateHook(func(s State) { h.states = append(h.states, s) }),
	)
	require.NoError(t, err)
	h.loop = loop
	return h
}

// --- termination ---

func TestRun_PerfectScoreStopsAfterOneRound(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(100, fetchGap("more", models.SourceVCS, "file:x.c")),
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)

	require.Len(t, res.Rounds, 1)
	assert.Equal(t, models.TerminationThreshold, res.Reason)
	assert.Equal(t, 100, res.FinalScore)
	assert.Zero(t, h.fetcher.totalCalls(), "a terminating round fetches nothing")
	assert.True(t, h.bundle.Frozen())
	require.Len(t, h.log.rounds, 1)
	assert.True(t, h.log.rounds[0].Terminated)
	assert.Equal(t, "bug_7_analysis_v1", h.log.rounds[0].Key())
	assert.Equal(t, []State{StateCritiquing, StateTerminated}, h.states)
}

func TestRun_BoundedByMaxRounds(t *testing.T) {
	for _, maxRounds := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max %d", maxRounds), func(t *testing.T) {
			c := &fresher{}
			cfg := DefaultConfig()
			cfg.MaxRounds = maxRounds
			h := newHarness(t, cfg, c, okFetcher(t))

			res, err := h.loop.Run(context.Background(), h.bundle)
			require.NoError(t, err)
			assert.Len(t, res.Rounds, maxRounds)
			assert.Len(t, h.log.rounds, maxRounds)
			assert.Equal(t, models.TerminationMaxRounds, res.Reason)
			assert.Equal(t, maxRounds-1, h.bundle.Len(), "the last round does not fetch")
		})
	}
}

// fresher always asks for something new with a low score.
type fresher struct{ n int }

func (f *fresher) Critique(_ context.Context, _ *evidence.Bundle, _ models.Patch, _ int) (models.CritiqueResult, error) {
	f.n++
	return crit(30, fetchGap("next", models.SourceVCS, fmt.Sprintf("file:f%d.c", f.n))), nil
}

func TestRun_NoActionableGaps(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(50, models.Gap{Name: "str", Description: "no steps to reproduce"}),
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	require.Len(t, res.Rounds, 1)
	assert.Equal(t, models.TerminationNoActionableGaps, res.Reason)
}

func TestRun_CachedRequestsAreNotActionable(t *testing.T) {
	gap := fetchGap("header", models.SourceVCS, "file:x.h")
	c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap), crit(60, gap)}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	require.Len(t, res.Rounds, 2)
	assert.Equal(t, models.TerminationNoActionableGaps, res.Reason)
	assert.Equal(t, 1, h.fetcher.calls[*gap.RequestedFetch])
}

func TestRun_TerminationPrecedence(t *testing.T) {
	t.Run("threshold beats max rounds", func(t *testing.T) {
		c := &scriptCritic{script: []models.CritiqueResult{
			crit(10, fetchGap("a", models.SourceVCS, "file:a")),
			crit(95),
		}}
		cfg := DefaultConfig()
		cfg.MaxRounds = 2
		h := newHarness(t, cfg, c, okFetcher(t))
		res, err := h.loop.Run(context.Background(), h.bundle)
		require.NoError(t, err)
		assert.Equal(t, models.TerminationThreshold, res.Reason)
	})

	t.Run("max rounds beats no actionable gaps", func(t *testing.T) {
		c := &scriptCritic{script: []models.CritiqueResult{crit(10)}}
		cfg := DefaultConfig()
		cfg.MaxRounds = 1
		h := newHarness(t, cfg, c, okFetcher(t))
		res, err := h.loop.Run(context.Background(), h.bundle)
		require.NoError(t, err)
		assert.Equal(t, models.TerminationMaxRounds, res.Reason)
	})
}

// --- fetching ---

func TestRun_NoDoubleFetch(t *testing.T) {
	a := fetchGap("a", models.SourceVCS, "file:a.c")
	b := fetchGap("b", models.SourceCodeSearch, "symbol:B")
	c := fetchGap("c", models.SourceBugTracker, "99")
	cr := &scriptCritic{script: []models.CritiqueResult{
		crit(20, a, a, b),
		crit(40, a, b, c),
		crit(60, a, b, c),
	}}
	h := newHarness(t, DefaultConfig(), cr, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	assert.Equal(t, models.TerminationMaxRounds, res.Reason)

	for req, n := range h.fetcher.calls {
		assert.Equal(t, 1, n, "%s fetched %d times", req, n)
	}
	assert.Len(t, h.fetcher.calls, 3)

	require.Len(t, res.Rounds, 3)
	assert.Len(t, res.Rounds[0].Fetched, 2, "duplicate request in one round is fetched once")
	assert.Len(t, res.Rounds[1].Fetched, 1)
	assert.Empty(t, res.Rounds[2].Fetched)
}

func TestRun_AlwaysNotFoundStopsAtMaxRounds(t *testing.T) {
	gap := fetchGap("ghost", models.SourceVCS, "file:gone.c")
	c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap)}}
	f := newStubFetcher(t, func(models.FetchRequest, int) (string, error) {
		return "", fmt.Errorf("vcs: %w", source.ErrNotFound)
	})
	h := newHarness(t, DefaultConfig(), c, f)

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)

	require.Len(t, res.Rounds, 3)
	assert.Equal(t, models.TerminationMaxRounds, res.Reason)
	assert.Equal(t, 1, f.calls[*gap.RequestedFetch], "not-found keys are not fetched again")
	for _, r := range res.Rounds[:2] {
		require.Len(t, r.Open, 1)
		assert.Equal(t, models.OpenNotFound, r.Open[0].Reason)
		assert.Equal(t, "ghost", r.Open[0].Gap)
	}
	assert.Zero(t, h.bundle.Len())
}

func TestRun_TransientRetriedOnce(t *testing.T) {
	t.Run("recovers on retry", func(t *testing.T) {
		gap := fetchGap("flaky", models.SourceCodeSearch, "symbol:Flaky")
		c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap), crit(95)}}
		f := newStubFetcher(t, func(_ models.FetchRequest, attempt int) (string, error) {
			if attempt == 1 {
				return "", &source.TransientError{Op: "codesearch", Err: errors.New("503")}
			}
			return "File: a.cpp\nContext: Flaky()", nil
		})
		cfg := DefaultConfig()
		cfg.RetryDelay = 3 * time.Second
		h := newHarness(t, cfg, c, f)

		res, err := h.loop.Run(context.Background(), h.bundle)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{3 * time.Second}, h.sleeps)
		require.Len(t, res.Rounds[0].Fetched, 1)
		assert.Empty(t, res.Rounds[0].Open)
		assert.True(t, h.bundle.Has(*gap.RequestedFetch))
	})

	t.Run("stays open after second failure", func(t *testing.T) {
		gap := fetchGap("flaky", models.SourceCodeSearch, "symbol:Flaky")
		c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap), crit(50, gap), crit(60)}}
		f := newStubFetcher(t, func(_ models.FetchRequest, attempt int) (string, error) {
			if attempt <= 2 {
				return "", &source.TransientError{Op: "codesearch", Err: errors.New("timeout")}
			}
			return "found", nil
		})
		h := newHarness(t, DefaultConfig(), c, f)

		res, err := h.loop.Run(context.Background(), h.bundle)
		require.NoError(t, err)
		require.Len(t, res.Rounds, 3)

		require.Len(t, res.Rounds[0].Open, 1)
		assert.Equal(t, models.OpenTransient, res.Rounds[0].Open[0].Reason)
		assert.Len(t, res.Rounds[0].Warnings, 1)

		// A transient failure may be tried again in a later round.
		assert.Len(t, res.Rounds[1].Fetched, 1)
		assert.Equal(t, 3, f.calls[*gap.RequestedFetch])
	})
}

func TestRun_MalformedIsExcluded(t *testing.T) {
	gap := fetchGap("diff", models.SourcePatchHost, "D99999")
	c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap)}}
	f := newStubFetcher(t, func(models.FetchRequest, int) (string, error) {
		return "", &source.MalformedError{Op: "patchhost", Reason: "html document where a diff was expected"}
	})
	h := newHarness(t, DefaultConfig(), c, f)

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)

	assert.Zero(t, h.bundle.Len(), "malformed content never reaches the bundle")
	require.Len(t, res.Rounds[0].Open, 1)
	assert.Equal(t, models.OpenMalformed, res.Rounds[0].Open[0].Reason)
	require.Len(t, res.Rounds[0].Warnings, 1)
	assert.Contains(t, res.Rounds[0].Warnings[0], "html document")
	assert.Equal(t, 1, f.calls[*gap.RequestedFetch])
}

func TestRun_UnknownSource(t *testing.T) {
	gap := fetchGap("mail", "mailinglist", "thread:1")
	c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap), crit(40)}}
	reg, err := source.NewRegistry()
	require.NoError(t, err)

	log := &memLog{t: t}
	loop, err := New(DefaultConfig(), c, reg, log, WithLogger(logging.Discard()))
	require.NoError(t, err)

	res, err := loop.Run(context.Background(), seedBundle())
	require.NoError(t, err)
	require.Len(t, res.Rounds[0].Open, 1)
	assert.Equal(t, models.OpenUnknownSource, res.Rounds[0].Open[0].Reason)
}

func TestRun_TruncatesContent(t *testing.T) {
	gap := fetchGap("big", models.SourceVCS, "file:big.c")
	c := &scriptCritic{script: []models.CritiqueResult{crit(40, gap), crit(95)}}
	f := newStubFetcher(t, func(models.FetchRequest, int) (string, error) {
		return strings.Repeat("x", 50), nil
	})
	cfg := DefaultConfig()
	cfg.MaxContentBytes = 10
	h := newHarness(t, cfg, c, f)

	_, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	got, ok := h.bundle.Lookup(*gap.RequestedFetch)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("x", 10)+"\n... (truncated)", got)
}

// --- persistence and replay ---

func TestRun_ReplayReconstructsBundle(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(20, fetchGap("a", models.SourceVCS, "file:a.c"), fetchGap("b", models.SourceCodeSearch, "symbol:B")),
		crit(50, fetchGap("c", models.SourceBugTracker, "8/comments")),
		crit(80),
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))
	seed := h.bundle.Snapshot()

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)

	replayed, err := evidence.Replay(seed, h.log.rounds)
	require.NoError(t, err)
	assert.Equal(t, res.Bundle.Snapshot(), replayed.Snapshot())
	assert.Equal(t, 3, replayed.Len())
}

func TestRun_PreviousScoreIsPassedOn(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(20, fetchGap("a", models.SourceVCS, "file:a.c")),
		crit(45, fetchGap("b", models.SourceVCS, "file:b.c")),
		crit(70),
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))
	_, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 20, 45}, c.prev)
}

func TestRun_StateSequence(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(20, fetchGap("a", models.SourceVCS, "file:a.c")),
		crit(95),
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))
	assert.Equal(t, StateSeeded, h.loop.State())

	_, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	assert.Equal(t, []State{StateCritiquing, StateFetching, StateCritiquing, StateTerminated}, h.states)

	_, err = h.loop.Run(context.Background(), seedBundle())
	assert.Error(t, err, "a loop runs once")
}

// --- failures ---

func TestRun_CancelledMidRoundPersistsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &scriptCritic{script: []models.CritiqueResult{
		crit(20, fetchGap("a", models.SourceVCS, "file:a.c"), fetchGap("b", models.SourceVCS, "file:b.c")),
	}}
	f := okFetcher(t)
	f.onFetch = cancel
	h := newHarness(t, DefaultConfig(), c, f)

	res, err := h.loop.Run(ctx, h.bundle)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.log.rounds)
	assert.Empty(t, res.Rounds)
	assert.Equal(t, 1, f.totalCalls(), "no call starts after cancellation")
	assert.Zero(t, h.bundle.Len())
}

func TestRun_QuotaExceededPropagates(t *testing.T) {
	c := &scriptCritic{
		script: []models.CritiqueResult{crit(20, fetchGap("a", models.SourceVCS, "file:a.c"))},
		err:    fmt.Errorf("%w: credit balance too low", llm.ErrQuotaExceeded),
		errAt:  2,
	}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	assert.True(t, llm.IsQuotaExceeded(err))
	assert.Len(t, h.log.rounds, 1, "the completed first round stays persisted")
	assert.Len(t, res.Rounds, 1)
	assert.False(t, h.bundle.Frozen())
}

func TestRun_DegradedRoundKeepsPreviousScore(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{
		crit(35, fetchGap("a", models.SourceVCS, "file:a.c")),
		{Score: 35, Degraded: true, DegradeReason: "critique parse failure"},
	}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))

	res, err := h.loop.Run(context.Background(), h.bundle)
	require.NoError(t, err)
	require.Len(t, res.Rounds, 2)
	assert.True(t, res.Rounds[1].Critique.Degraded)
	assert.Equal(t, models.TerminationNoActionableGaps, res.Reason)
	assert.Equal(t, 35, res.FinalScore)
}

func TestRun_PersistFailureStops(t *testing.T) {
	c := &scriptCritic{script: []models.CritiqueResult{crit(20, fetchGap("a", models.SourceVCS, "file:a.c"))}}
	h := newHarness(t, DefaultConfig(), c, okFetcher(t))
	h.log.err = errors.New("disk full")

	_, err := h.loop.Run(context.Background(), h.bundle)
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, h.bundle.Len(), "evidence of an unpersisted round is not merged")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxRounds = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Threshold = 101
	assert.Error(t, bad.Validate())

	_, err := New(Config{}, &scriptCritic{}, okFetcher(t), &memLog{t: t})
	assert.Error(t, err)
}
