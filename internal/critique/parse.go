package critique

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/joescharf/aprgen/internal/llm"
	"github.com/joescharf/aprgen/internal/models"
)

// ErrParseFailure is returned when a backend answer is not a usable critique.
var ErrParseFailure = errors.New("critique parse failure")

type wireFetch struct {
	Source  string `json:"source"`
	Locator string `json:"locator"`
}

type wireGap struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Fetch       *wireFetch `json:"fetch"`
}

// wireDataRequest is the older single-request shape some prompts still yield.
type wireDataRequest struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type wireCritique struct {
	Score       *float64         `json:"score"`
	Critique    string           `json:"critique"`
	Gaps        []wireGap        `json:"gaps"`
	DataRequest *wireDataRequest `json:"data_request"`
	Analysis    *models.Analysis `json:"analysis"`
}

// Parse turns a raw backend answer into a CritiqueResult. It tolerates
// markdown fences and prose around the JSON object. Scores are rounded and
// clamped to 0..MaxScore. Gaps whose fetch lacks a source or locator are
// kept without a request.
func Parse(raw string) (models.CritiqueResult, error) {
	text := llm.StripFences(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.CritiqueResult{}, fmt.Errorf("%w: no json object in response", ErrParseFailure)
	}

	var w wireCritique
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return models.CritiqueResult{}, fmt.Errorf("%w: %v", ErrParseFailure, err)
	}
	if w.Score == nil {
		return models.CritiqueResult{}, fmt.Errorf("%w: missing score", ErrParseFailure)
	}
	if math.IsNaN(*w.Score) {
		return models.CritiqueResult{}, fmt.Errorf("%w: score is not a number", ErrParseFailure)
	}

	res := models.CritiqueResult{
		Score:    clamp(*w.Score),
		Critique: strings.TrimSpace(w.Critique),
		Analysis: w.Analysis,
	}
	for i, g := range w.Gaps {
		gap := models.Gap{
			Name:        strings.TrimSpace(g.Name),
			Description: strings.TrimSpace(g.Description),
		}
		if gap.Name == "" {
			gap.Name = fmt.Sprintf("gap-%d", i+1)
		}
		if g.Fetch != nil {
			gap.RequestedFetch = toRequest(g.Fetch.Source, g.Fetch.Locator)
		}
		res.Gaps = append(res.Gaps, gap)
	}
	if dr := w.DataRequest; dr != nil {
		if req := legacyRequest(dr); req != nil {
			res.Gaps = append(res.Gaps, models.Gap{
				Name:           "data-request",
				Description:    fmt.Sprintf("%s %s", dr.Type, dr.Target),
				RequestedFetch: req,
			})
		}
	}
	return res, nil
}

func toRequest(src, locator string) *models.FetchRequest {
	tag := models.ParseSourceTag(src)
	locator = strings.TrimSpace(locator)
	if tag == "" || locator == "" {
		return nil
	}
	return &models.FetchRequest{Source: tag, Locator: locator}
}

func legacyRequest(dr *wireDataRequest) *models.FetchRequest {
	target := strings.TrimSpace(dr.Target)
	if target == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(dr.Type)) {
	case "read_file":
		return &models.FetchRequest{Source: models.SourceVCS, Locator: "file:" + target}
	case "search_code":
		return &models.FetchRequest{Source: models.SourceCodeSearch, Locator: "symbol:" + target}
	default:
		return nil
	}
}

// clamp bounds score to the scale, then rounds it.
func clamp(score float64) int {
	switch {
	case score < 0:
		return 0
	case score > models.MaxScore:
		return models.MaxScore
	default:
		return int(math.Round(score))
	}
}
