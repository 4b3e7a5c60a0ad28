// Package ai wraps the model provider behind a small completion interface
// and layers the research prompt builders on top. The HTTP client talks to
// the Anthropic Messages API directly.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one completion request. Model selects between the fast and
// deep models configured for the service; empty means the client default.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Client is the completion interface the analyzers depend on. Tests swap in
// a scripted fake.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// InstrumentClient wraps a client so every completion reports its outcome
// ("ok" or "error") to the given hook.
func InstrumentClient(inner Client, observe func(outcome string)) Client {
	return &observedClient{inner: inner, observe: observe}
}

type observedClient struct {
	inner   Client
	observe func(outcome string)
}

func (c *observedClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		c.observe("error")
	} else {
		c.observe("ok")
	}
	return resp, err
}

// ExtractJSON pulls a JSON object out of a model response. Models sometimes
// wrap output in markdown fences or add prose around it; this strips fences
// and slices from the first '{' to the matching last '}'.
func ExtractJSON(response string) (json.RawMessage, error) {
	s := strings.TrimSpace(response)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	candidate := s[start : end+1]

	var check map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &check); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return json.RawMessage(candidate), nil
}
