package cmd

import (
	"errors"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/aprgen/internal/critique"
	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/metrics"
	"github.com/joescharf/aprgen/internal/pacing"
	"github.com/joescharf/aprgen/internal/refine"
	"github.com/joescharf/aprgen/internal/runner"
	"github.com/joescharf/aprgen/internal/source"
	"github.com/joescharf/aprgen/internal/synth"
)

var errNoAPIKey = errors.New("no API key configured: set anthropic.api_key, APRGEN_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
// Every request the client sends, retries included, waits on gate.
func newLLMClient(gate *pacing.Gate) *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"),
		llm.WithMaxTokens(viper.GetInt64("anthropic.max_tokens")),
		llm.WithTimeout(viper.GetDuration("anthropic.timeout")),
		llm.WithPacing(gate),
	)
}

func sourceOptions() source.Options {
	return source.Options{Timeout: viper.GetDuration("sources.timeout")}
}

// refineConfig reads loop bounds from config, starting from the stock ones.
func refineConfig() refine.Config {
	cfg := refine.DefaultConfig()
	if viper.IsSet("refine.max_rounds") {
		cfg.MaxRounds = viper.GetInt("refine.max_rounds")
	}
	if viper.IsSet("refine.threshold") {
		cfg.Threshold = viper.GetInt("refine.threshold")
	}
	if viper.IsSet("refine.retry_delay") {
		cfg.RetryDelay = viper.GetDuration("refine.retry_delay")
	}
	if viper.IsSet("refine.max_content_bytes") {
		cfg.MaxContentBytes = viper.GetInt("refine.max_content_bytes")
	}
	return cfg
}

// pipeline holds everything a run needs besides the store.
type pipeline struct {
	bugzilla    *source.Bugzilla
	phabricator *source.Phabricator
	registry    *source.Registry
	backend     llm.Completer
}

// newPipeline builds the adapters and the paced backend. Every backend call
// of the process goes through gate.
func newPipeline(gate *pacing.Gate) (*pipeline, error) {
	client := newLLMClient(gate)
	if client == nil {
		return nil, errNoAPIKey
	}

	opts := sourceOptions()
	repo := viper.GetString("sources.repo")
	bz := source.NewBugzilla(viper.GetString("sources.bugzilla_url"), opts)
	phab := source.NewPhabricator(viper.GetString("sources.phabricator_url"), viper.GetString("phabricator.token"), opts)
	registry, err := source.NewRegistry(
		bz,
		phab,
		source.NewMercurial(viper.GetString("sources.hg_url"), repo, opts),
		source.NewSearchfox(viper.GetString("sources.searchfox_url"), repo, opts),
	)
	if err != nil {
		return nil, err
	}

	return &pipeline{
		bugzilla:    bz,
		phabricator: phab,
		registry:    registry,
		backend:     client,
	}, nil
}

// newRunner wires a single-bug runner against the shared store.
func newRunner(gate *pacing.Gate, m *metrics.Metrics, cfg refine.Config) (*runner.Runner, error) {
	p, err := newPipeline(gate)
	if err != nil {
		return nil, err
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return runner.New(cfg, runner.Deps{
		Bugs:    p.bugzilla,
		Patches: p.phabricator,
		Critic:  critique.NewEngine(p.backend, critique.WithMaxEntryBytes(cfg.MaxContentBytes)),
		Fetcher: p.registry,
		Fixer:   synth.NewFixGenerator(p.backend, cfg.MaxContentBytes),
		Store:   s,
		Metrics: m,
	})
}
