package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/pipeline"
)

// LLM generates phase outputs with a model provider.
type LLM struct {
	provider Provider
}

// NewLLM wraps provider as a pipeline generator.
func NewLLM(provider Provider) *LLM {
	return &LLM{provider: provider}
}

// Generate renders the phase prompt, completes it and returns the JSON
// object found in the reply.
func (g *LLM) Generate(ctx context.Context, req pipeline.Request) (json.RawMessage, error) {
	prompt := buildPrompt(req)
	start := time.Now()
	reply, err := g.provider.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	logger.Debug("[Generator] %s answered %s in %s (%d chars)", g.provider.Name(), req.Phase, time.Since(start).Round(time.Millisecond), len(reply))

	payload := extractJSONObject(reply)
	if payload == "" {
		return nil, fmt.Errorf("%s: reply contains no JSON object", req.Phase)
	}
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%s: reply is not valid JSON", req.Phase)
	}
	return json.RawMessage(payload), nil
}

// extractJSONObject returns the outermost {...} span of content, which
// tolerates markdown fences and surrounding prose.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
