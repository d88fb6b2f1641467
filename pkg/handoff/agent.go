// Package handoff decides when a tool result transfers the call to another
// agent. Each agent carries a trigger table mapping tool names to a target
// agent and a handoff type; Resolve consults it without touching any
// session state.
package handoff

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/itchyny/gojq"
)

// Type is how a handoff is presented to the caller.
type Type int

const (
	// Announced handoffs play the target agent's greeting.
	Announced Type = iota
	// Discrete handoffs switch agents silently.
	Discrete
)

func (t Type) String() string {
	switch t {
	case Announced:
		return "announced"
	case Discrete:
		return "discrete"
	default:
		return "unknown"
	}
}

// ParseType returns the type named s.
func ParseType(s string) (Type, error) {
	switch s {
	case "announced":
		return Announced, nil
	case "discrete":
		return Discrete, nil
	default:
		return 0, fmt.Errorf("handoff: unknown type %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Trigger is one row of an agent's trigger table.
type Trigger struct {
	Target string
	Type   Type

	// ContextQuery is an optional jq expression evaluated against the tool
	// result to build the handoff context.
	ContextQuery string

	query *gojq.Query
}

// Agent is a specialist persona. Profiles are opaque handles resolved by
// the speech services.
type Agent struct {
	Name         string
	Instructions string
	Greeting     string
	Tools        []string
	Triggers     map[string]*Trigger

	VoiceProfile       string
	RecognitionProfile string
	SilenceTimeout     time.Duration
}

// HasTool reports whether the agent may call tool.
func (a *Agent) HasTool(tool string) bool {
	return slices.Contains(a.Tools, tool)
}

// Registry is an immutable, validated agent table.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// NewRegistry validates agents and builds a registry. Every trigger target
// must name a registered agent, and every trigger tool is added to its
// agent's tool list.
func NewRegistry(agents ...*Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		if a.Name == "" {
			return nil, fmt.Errorf("handoff: agent without name")
		}
		if _, dup := r.agents[a.Name]; dup {
			return nil, fmt.Errorf("handoff: duplicate agent %q", a.Name)
		}
		r.agents[a.Name] = a
		r.order = append(r.order, a.Name)
	}
	for _, a := range agents {
		for tool, trig := range a.Triggers {
			if trig == nil {
				return nil, fmt.Errorf("handoff: agent %q: nil trigger for tool %q", a.Name, tool)
			}
			if _, ok := r.agents[trig.Target]; !ok {
				return nil, fmt.Errorf("handoff: agent %q: tool %q targets unknown agent %q", a.Name, tool, trig.Target)
			}
			if trig.ContextQuery != "" && trig.query == nil {
				q, err := gojq.Parse(trig.ContextQuery)
				if err != nil {
					return nil, fmt.Errorf("handoff: agent %q: tool %q: invalid context query %q: %w", a.Name, tool, trig.ContextQuery, err)
				}
				trig.query = q
			}
			if !a.HasTool(tool) {
				a.Tools = append(a.Tools, tool)
			}
		}
	}
	return r, nil
}

// Lookup returns the agent called name.
func (r *Registry) Lookup(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Agents returns all agents in registration order.
func (r *Registry) Agents() []*Agent {
	out := make([]*Agent, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.agents[n])
	}
	return out
}
