package config

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/tools"
)

// ToolConfig declares a webhook tool.
type ToolConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	// Parameters is the JSON schema of the arguments.
	Parameters map[string]any `yaml:"parameters"`
	Timeout    Duration       `yaml:"timeout"`
}

// AgentConfig declares an agent.
type AgentConfig struct {
	Name               string                   `yaml:"name"`
	Instructions       string                   `yaml:"instructions"`
	Greeting           string                   `yaml:"greeting"`
	Tools              []string                 `yaml:"tools"`
	Voice              string                   `yaml:"voice"`
	RecognitionProfile string                   `yaml:"recognition_profile"`
	SilenceTimeout     Duration                 `yaml:"silence_timeout"`
	HandoffTriggers    map[string]TriggerConfig `yaml:"handoff_triggers"`
}

// TriggerConfig is one handoff trigger, keyed by tool name.
type TriggerConfig struct {
	Target       string `yaml:"target"`
	Type         string `yaml:"type"`
	ContextQuery string `yaml:"context_query"`
}

// Registry builds the agent table. Agents without a silence timeout of
// their own inherit session.silence_timeout.
func (c *Config) Registry() (*handoff.Registry, error) {
	agents := make([]*handoff.Agent, 0, len(c.Agents))
	for _, ac := range c.Agents {
		a := &handoff.Agent{
			Name:               ac.Name,
			Instructions:       ac.Instructions,
			Greeting:           ac.Greeting,
			Tools:              append([]string(nil), ac.Tools...),
			VoiceProfile:       ac.Voice,
			RecognitionProfile: ac.RecognitionProfile,
			SilenceTimeout:     ac.SilenceTimeout.D(),
			Triggers:           make(map[string]*handoff.Trigger, len(ac.HandoffTriggers)),
		}
		if a.SilenceTimeout == 0 {
			a.SilenceTimeout = c.Session.SilenceTimeout.D()
		}
		for tool, tc := range ac.HandoffTriggers {
			typ := handoff.Announced
			if tc.Type != "" {
				t, err := handoff.ParseType(tc.Type)
				if err != nil {
					return nil, fmt.Errorf("agent %q: tool %q: %w", ac.Name, tool, err)
				}
				typ = t
			}
			a.Triggers[tool] = &handoff.Trigger{Target: tc.Target, Type: typ, ContextQuery: tc.ContextQuery}
		}
		agents = append(agents, a)
	}
	reg, err := handoff.NewRegistry(agents...)
	if err != nil {
		return nil, err
	}
	if c.StartAgent != "" {
		if _, ok := reg.Lookup(c.StartAgent); !ok {
			return nil, fmt.Errorf("start_agent %q is not an agent", c.StartAgent)
		}
	}
	return reg, nil
}

type transferArgs struct {
	Summary string `json:"summary,omitempty" jsonschema:"what the caller needs, for the next agent"`
}

// ToolRegistry builds the tool set. Declared tools become webhooks. Trigger
// tools that are not declared get a built-in transfer tool that always
// succeeds. Every tool an agent lists must resolve to one or the other.
func (c *Config) ToolRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	client := &http.Client{}
	for _, tc := range c.Tools {
		var schema *jsonschema.Schema
		if tc.Parameters != nil {
			b, err := sonic.Marshal(tc.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %q: parameters: %w", tc.Name, err)
			}
			schema = new(jsonschema.Schema)
			if err := sonic.Unmarshal(b, schema); err != nil {
				return nil, fmt.Errorf("tool %q: parameters: %w", tc.Name, err)
			}
		}
		if _, dup := reg.Get(tc.Name); dup {
			return nil, fmt.Errorf("duplicate tool %q", tc.Name)
		}
		reg.Register(tools.NewWebhook(tools.WebhookConfig{
			Name:        tc.Name,
			Description: tc.Description,
			URL:         tc.URL,
			Headers:     tc.Headers,
			Parameters:  schema,
			Timeout:     tc.Timeout.D(),
			Client:      client,
		}))
	}
	for _, ac := range c.Agents {
		for tool, tc := range ac.HandoffTriggers {
			if _, ok := reg.Get(tool); ok {
				continue
			}
			t, err := tools.New(tool, "Transfer the caller to "+tc.Target+".",
				func(_ context.Context, args transferArgs) (tools.Result, error) {
					return tools.Result{Success: true, HandoffSummary: args.Summary}, nil
				})
			if err != nil {
				return nil, err
			}
			reg.Register(t)
		}
	}
	for _, ac := range c.Agents {
		for _, tool := range ac.Tools {
			if _, ok := reg.Get(tool); !ok {
				return nil, fmt.Errorf("agent %q: %w: %s", ac.Name, tools.ErrUnknownTool, tool)
			}
		}
	}
	return reg, nil
}
