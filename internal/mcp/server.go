// Package mcp exposes bug analysis and its persisted output as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/aprgen/internal/models"
	"github.com/joescharf/aprgen/internal/runner"
	"github.com/joescharf/aprgen/internal/store"
)

// Analyzer runs one bug end to end.
type Analyzer interface {
	Run(ctx context.Context, req runner.Request) (*runner.Outcome, error)
}

// Server wraps the store and runner and exposes them as MCP tools.
type Server struct {
	store    store.Store
	analyzer Analyzer
	version  string
}

// NewServer creates the MCP server wrapper. analyzer may be nil, in which
// case aprgen_analyze_bug reports that analysis is unavailable.
func NewServer(s store.Store, a Analyzer, version string) *Server {
	return &Server{store: s, analyzer: a, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("aprgen", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.analyzeBugTool())
	srv.AddTool(s.listRoundsTool())
	srv.AddTool(s.getArtifactTool())
	srv.AddTool(s.listRunsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// aprgen_analyze_bug
func (s *Server) analyzeBugTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("aprgen_analyze_bug",
		mcp.WithDescription("Run the full pipeline for one bug: fetch the report and accepted fix, refine the analysis, and write the report, ground-truth patch and zero-knowledge fix. Replaces earlier output for the bug. Returns the run summary as JSON."),
		mcp.WithNumber("bug_id", mcp.Required(), mcp.Description("Bug tracker ID")),
		mcp.WithString("revision", mcp.Description("Differential revision (e.g. D123456); discovered from the bug when omitted")),
	)
	return tool, s.handleAnalyzeBug
}

type runOut struct {
	ID         string   `json:"id"`
	BugID      int      `json:"bug_id"`
	Status     string   `json:"status"`
	Rounds     int      `json:"rounds"`
	FinalScore int      `json:"final_score"`
	Reason     string   `json:"reason,omitempty"`
	FixValid   bool     `json:"fix_valid"`
	Error      string   `json:"error,omitempty"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

func toRunOut(r *models.Run) runOut {
	out := runOut{
		ID:         r.ID,
		BugID:      r.BugID,
		Status:     string(r.Status),
		Rounds:     r.Rounds,
		FinalScore: r.FinalScore,
		Reason:     string(r.Reason),
		FixValid:   r.FixValid,
		Error:      r.Error,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		out.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleAnalyzeBug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID, err := requireBugID(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.analyzer == nil {
		return mcp.NewToolResultError("analysis is not configured (missing API key?)"), nil
	}

	outcome, err := s.analyzer.Run(ctx, runner.Request{
		BugID:    bugID,
		Revision: strings.TrimSpace(request.GetString("revision", "")),
	})
	if outcome == nil || outcome.Run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("analysis of bug %d failed: %v", bugID, err)), nil
	}

	out := toRunOut(outcome.Run)
	out.Warnings = outcome.Warnings
	data, merr := json.Marshal(out)
	if merr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal run: %v", merr)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// aprgen_list_rounds
func (s *Server) listRoundsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("aprgen_list_rounds",
		mcp.WithDescription("List the persisted refinement rounds of a bug: score, gaps, fetched evidence, open gaps and termination reason."),
		mcp.WithNumber("bug_id", mcp.Required(), mcp.Description("Bug tracker ID")),
	)
	return tool, s.handleListRounds
}

func (s *Server) handleListRounds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID, err := requireBugID(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rounds, err := s.store.ListRounds(ctx, bugID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list rounds: %v", err)), nil
	}

	type gapOut struct {
		Name    string `json:"name"`
		Request string `json:"request,omitempty"`
	}
	type roundOut struct {
		Key        string   `json:"key"`
		Index      int      `json:"index"`
		Score      int      `json:"score"`
		Degraded   bool     `json:"degraded,omitempty"`
		Critique   string   `json:"critique,omitempty"`
		Gaps       []gapOut `json:"gaps"`
		Fetched    []string `json:"fetched"`
		Open       []string `json:"open,omitempty"`
		Warnings   []string `json:"warnings,omitempty"`
		Terminated bool     `json:"terminated"`
		Reason     string   `json:"reason,omitempty"`
	}

	out := make([]roundOut, len(rounds))
	for i, r := range rounds {
		ro := roundOut{
			Key:        r.Key(),
			Index:      r.Index,
			Score:      r.Critique.Score,
			Degraded:   r.Critique.Degraded,
			Critique:   r.Critique.Critique,
			Gaps:       []gapOut{},
			Fetched:    []string{},
			Warnings:   r.Warnings,
			Terminated: r.Terminated,
			Reason:     string(r.Reason),
		}
		for _, g := range r.Critique.Gaps {
			gv := gapOut{Name: g.Name}
			if g.RequestedFetch != nil {
				gv.Request = g.RequestedFetch.String()
			}
			ro.Gaps = append(ro.Gaps, gv)
		}
		for _, e := range r.Fetched {
			ro.Fetched = append(ro.Fetched, e.Request().String())
		}
		for _, o := range r.Open {
			ro.Open = append(ro.Open, fmt.Sprintf("%s: %s", o.Request, o.Reason))
		}
		out[i] = ro
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal rounds: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// aprgen_get_artifact
func (s *Server) getArtifactTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("aprgen_get_artifact",
		mcp.WithDescription("Get one persisted artifact of a bug as text: the report, the ground-truth patch, the zero-knowledge fix, the seed evidence, or a numbered round."),
		mcp.WithNumber("bug_id", mcp.Required(), mcp.Description("Bug tracker ID")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Artifact kind"),
			mcp.Enum("report", "patch", "zeroshot", "seed", "round")),
		mcp.WithNumber("round", mcp.Description("Round index when kind is round")),
	)
	return tool, s.handleGetArtifact
}

func (s *Server) handleGetArtifact(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID, err := requireBugID(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := request.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: kind"), nil
	}
	key, err := ArtifactKey(bugID, models.ArtifactKind(kind), request.GetInt("round", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	a, err := s.store.GetArtifact(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("artifact not found: %s", key)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get artifact: %v", err)), nil
	}

	header := fmt.Sprintf("key: %s\nvalid: %t\nupdated: %s\n\n", a.Key, a.Valid, a.UpdatedAt.Format(time.RFC3339))
	return mcp.NewToolResultText(header + a.Content), nil
}

// ArtifactKey maps a kind (and round index for rounds) to its storage key.
func ArtifactKey(bugID int, kind models.ArtifactKind, round int) (string, error) {
	switch kind {
	case models.ArtifactReport:
		return models.ReportKey(bugID), nil
	case models.ArtifactPatch:
		return models.PatchKey(bugID), nil
	case models.ArtifactZeroShot:
		return models.ZeroShotKey(bugID), nil
	case models.ArtifactSeed:
		return models.SeedKey(bugID), nil
	case models.ArtifactRound:
		if round < 1 {
			return "", fmt.Errorf("round must be at least 1")
		}
		return models.RoundKey(bugID, round), nil
	default:
		return "", fmt.Errorf("unknown artifact kind: %s", kind)
	}
}

// aprgen_list_runs
func (s *Server) listRunsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("aprgen_list_runs",
		mcp.WithDescription("List run history, newest first. Returns a JSON array with status, rounds, final score, termination reason and fix validity."),
		mcp.WithNumber("bug_id", mcp.Description("Only runs of this bug")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	)
	return tool, s.handleListRuns
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bugID := request.GetInt("bug_id", 0)
	limit := request.GetInt("limit", 20)

	runs, err := s.store.ListRuns(ctx, bugID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}

	out := make([]runOut, len(runs))
	for i, r := range runs {
		out[i] = toRunOut(r)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireBugID(request mcp.CallToolRequest) (int, error) {
	id, err := request.RequireInt("bug_id")
	if err != nil {
		return 0, errors.New("missing required parameter: bug_id")
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid bug_id: %d", id)
	}
	return id, nil
}
