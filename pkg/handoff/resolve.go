package handoff

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/haivivi/parley/pkg/tools"
)

// Event records a completed agent transfer.
type Event struct {
	ID      string         `json:"id"`
	Source  string         `json:"source"`
	Target  string         `json:"target"`
	Type    Type           `json:"type"`
	Tool    string         `json:"tool"`
	Summary string         `json:"summary,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	// Drift is set when the transfer came from the tool result because the
	// trigger table did not know the tool.
	Drift bool      `json:"drift,omitempty"`
	At    time.Time `json:"at"`
}

// ResolutionError reports a handoff to an agent that does not exist.
type ResolutionError struct {
	Source string
	Target string
	Tool   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("handoff: %s: tool %q targets unknown agent %q", e.Source, e.Tool, e.Target)
}

// Resolver applies trigger tables to tool results.
type Resolver struct {
	reg    *Registry
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver over reg. A nil logger uses slog.Default().
func NewResolver(reg *Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reg: reg, logger: logger, now: time.Now}
}

// Registry returns the agent table.
func (r *Resolver) Registry() *Registry {
	return r.reg
}

// Resolve inspects the result of tool called by agent current. It returns
// nil when the result does not transfer the call, and a *ResolutionError
// when the target is unknown. It never mutates session state.
func (r *Resolver) Resolve(current, tool string, result tools.Result) (*Event, error) {
	agent, ok := r.reg.Lookup(current)
	if !ok {
		return nil, &ResolutionError{Source: current, Target: current, Tool: tool}
	}

	var (
		target string
		typ    Type
		drift  bool
		trig   = agent.Triggers[tool]
	)
	switch {
	case trig != nil && (result.Success || result.Handoff):
		target, typ = trig.Target, trig.Type
		if result.TargetAgent != "" && result.TargetAgent != trig.Target {
			r.logger.Warn("handoff: tool result disagrees with trigger table, using table",
				"agent", current, "tool", tool,
				"table_target", trig.Target, "result_target", result.TargetAgent)
		}
	case trig == nil && result.Handoff && result.TargetAgent != "":
		target, drift = result.TargetAgent, true
		typ = Announced
		if result.HandoffType != "" {
			t, err := ParseType(result.HandoffType)
			if err != nil {
				r.logger.Warn("handoff: bad handoff_type in tool result, announcing", "tool", tool, "error", err)
			} else {
				typ = t
			}
		}
		r.logger.Warn("handoff: configuration drift, tool missing from trigger table",
			"agent", current, "tool", tool, "target", target, "type", typ)
	default:
		return nil, nil
	}

	if _, ok := r.reg.Lookup(target); !ok {
		return nil, &ResolutionError{Source: current, Target: target, Tool: tool}
	}
	if target == current {
		r.logger.Debug("handoff: ignoring transfer to current agent", "agent", current, "tool", tool)
		return nil, nil
	}

	ev := &Event{
		ID:      uuid.NewString(),
		Source:  current,
		Target:  target,
		Type:    typ,
		Tool:    tool,
		Summary: result.HandoffSummary,
		Context: maps.Clone(result.HandoffContext),
		Drift:   drift,
		At:      r.now(),
	}
	if trig != nil && trig.query != nil {
		r.applyQuery(ev, trig, result)
	}
	return ev, nil
}

func (r *Resolver) applyQuery(ev *Event, trig *Trigger, result tools.Result) {
	// gojq only accepts plain JSON values.
	b, err := sonic.Marshal(result.Map())
	if err != nil {
		r.logger.Warn("handoff: encode result for context query", "error", err)
		return
	}
	var input any
	if err := sonic.Unmarshal(b, &input); err != nil {
		r.logger.Warn("handoff: decode result for context query", "error", err)
		return
	}
	v, ok := trig.query.Run(input).Next()
	if !ok {
		return
	}
	if err, isErr := v.(error); isErr {
		r.logger.Warn("handoff: context query failed", "query", trig.ContextQuery, "error", err)
		return
	}
	if ev.Context == nil {
		ev.Context = make(map[string]any)
	}
	if m, isMap := v.(map[string]any); isMap {
		maps.Copy(ev.Context, m)
		return
	}
	ev.Context["query"] = v
}
