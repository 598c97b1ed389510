package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/resilience"
	"github.com/sells-group/resource-discovery/pkg/anthropic"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-sonnet-4-5-20250929"

const claudeSystemPrompt = `You help maintain a directory of free and low-cost community resources
(food banks, pantries, shelters, clinics, meal programs).
Reply with a JSON array only. Each element is an object with these keys:
name, address, city, state, zipCode, latitude, longitude, phone, website,
description, services (array of strings), hours, sourceUrl, confidence (0-100).
Use null for anything you are not sure of. Only list organizations that exist.`

// ClaudeSearcher asks Claude for resources in an area and parses its JSON
// reply.
type ClaudeSearcher struct {
	client     anthropic.Client
	model      string
	maxResults int
}

// NewClaudeSearcher creates a ClaudeSearcher. An empty model selects
// DefaultClaudeModel.
func NewClaudeSearcher(client anthropic.Client, model string, maxResults int) (*ClaudeSearcher, error) {
	if client == nil {
		return nil, resilience.NewConfigurationError("search: anthropic client is not configured")
	}
	if model == "" {
		model = DefaultClaudeModel
	}
	if maxResults <= 0 {
		maxResults = 20
	}
	return &ClaudeSearcher{client: client, model: model, maxResults: maxResults}, nil
}

// Search implements the discovery search provider contract.
func (s *ClaudeSearcher) Search(ctx context.Context, city, state string, onProgress func(string)) ([]model.RawCandidate, error) {
	progress(onProgress, fmt.Sprintf("Asking Claude for resources in %s, %s", city, state))

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: 4096,
		System: []anthropic.SystemBlock{{
			Text:         claudeSystemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("List up to %d community resources in %s, %s.", s.maxResults, city, state),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: claude request")
	}
	resp.Usage.LogUsage(s.model, "discovery_search")

	raws, err := ParseCandidates(resp.Text())
	if err != nil {
		return nil, err
	}
	if len(raws) > s.maxResults {
		raws = raws[:s.maxResults]
	}
	progress(onProgress, fmt.Sprintf("Claude suggested %d resources", len(raws)))
	zap.L().Info("claude search complete",
		zap.String("city", city),
		zap.String("state", state),
		zap.Int("results", len(raws)),
	)
	return raws, nil
}

// ParseCandidates extracts the first JSON array of objects from text, which
// may be wrapped in prose or a code fence. Non-object elements are dropped.
func ParseCandidates(text string) ([]model.RawCandidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, eris.New("search: response contains no JSON array")
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, eris.Wrap(err, "search: parse JSON array")
	}

	out := make([]model.RawCandidate, 0, len(items))
	for _, item := range items {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			continue
		}
		out = append(out, model.RawCandidate(obj))
	}
	return out, nil
}
