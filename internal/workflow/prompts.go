package workflow

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// StagePrompt is the system prompt and sampling settings of one stage.
type StagePrompt struct {
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Prompts holds the prompt of every stage.
type Prompts struct {
	Router     StagePrompt `yaml:"router"`
	Researcher StagePrompt `yaml:"researcher"`
	Analyst    StagePrompt `yaml:"analyst"`
	Critic     StagePrompt `yaml:"critic"`
}

// DefaultPrompts returns the built-in prompt catalogue.
func DefaultPrompts() (*Prompts, error) {
	return ParsePrompts(defaultPrompts)
}

// ParsePrompts decodes a yaml prompt catalogue. Every stage needs a system
// prompt.
func ParsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	for name, sp := range map[string]StagePrompt{
		"router":     p.Router,
		"researcher": p.Researcher,
		"analyst":    p.Analyst,
		"critic":     p.Critic,
	} {
		if sp.System == "" {
			return nil, fmt.Errorf("prompt for %s is empty", name)
		}
	}
	return &p, nil
}
