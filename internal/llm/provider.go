// Package llm defines the reasoning provider contract used by the workflow
// stages and adapters for the OpenAI and Anthropic APIs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"analytics-agent/backend/internal/config"
)

// ErrEmptyResponse is returned when the provider answers with neither text
// nor tool calls.
var ErrEmptyResponse = errors.New("llm: empty response")

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolInvocation is a single tool call requested by the provider.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one provider-level conversation entry. Assistant messages may
// carry ToolCalls; tool messages answer exactly one call via ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolInvocation
	ToolCallID string
}

// ToolSpec describes a callable tool. Parameters holds the JSON Schema
// properties object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// Request is a single completion call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response carries either free text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolInvocation
}

// HasToolCalls reports whether the provider asked for any tool.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Provider is a remote reasoning service. Implementations must be safe for
// concurrent use.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// New builds the provider selected by configuration.
func New(cfg *config.Config, httpClient *http.Client) (Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return NewOpenAI(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, httpClient), nil
	case "anthropic":
		return NewAnthropic(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}

// StripCodeFence removes a surrounding markdown code fence, preferring a
// ```json fence over a bare one. Text without a fence is returned trimmed.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return s
}
