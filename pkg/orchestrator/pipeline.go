package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/session"
	"github.com/haivivi/parley/pkg/sessionstore"
	"github.com/haivivi/parley/pkg/tools"
)

// invocation carries one tool call through the pipeline.
type invocation struct {
	turnID int64
	agent  *handoff.Agent
	call   model.ToolCall

	args    string
	argMap  map[string]any
	rec     ToolCall
	// blocked is set when the call must not reach the executor.
	blocked bool
}

type stage struct {
	name string
	run  func(ctx context.Context, inv *invocation)
}

// pipeline runs a tool call as ordered stages: prepare arguments, execute,
// resolve handoff, persist slots, notify.
type pipeline struct {
	session  *session.Session
	executor tools.Executor
	resolver *handoff.Resolver
	syncer   *sessionstore.Syncer
	send     func(ctx context.Context, env protocol.Envelope)
	logger   *slog.Logger
	now      func() time.Time
}

func (p *pipeline) stages() []stage {
	return []stage{
		{"prepare", p.prepare},
		{"execute", p.execute},
		{"handoff", p.resolve},
		{"persist", p.persist},
		{"notify", p.notify},
	}
}

// run executes call for agent and returns its record. Tool failures are
// captured in the record's Result, never returned.
func (p *pipeline) run(ctx context.Context, turnID int64, agent *handoff.Agent, call model.ToolCall) ToolCall {
	inv := &invocation{
		turnID: turnID,
		agent:  agent,
		call:   call,
		rec: ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			StartedAt: p.now(),
		},
	}
	for _, st := range p.stages() {
		st.run(ctx, inv)
	}
	return inv.rec
}

func (p *pipeline) prepare(ctx context.Context, inv *invocation) {
	args, m, err := tools.NormalizeArgs(inv.call.Arguments)
	switch {
	case err != nil:
		p.block(inv, fmt.Errorf("invalid arguments: %w", err))
	case !inv.agent.HasTool(inv.call.Name):
		p.block(inv, fmt.Errorf("%w: %s is not available to %s", tools.ErrUnknownTool, inv.call.Name, inv.agent.Name))
	default:
		inv.args, inv.argMap = args, m
		inv.rec.Arguments = args
	}
	p.sendTool(ctx, protocol.MsgToolStart, protocol.ToolPayload{
		CallID:    inv.call.ID,
		Name:      inv.call.Name,
		TurnID:    inv.turnID,
		Arguments: inv.argMap,
	})
}

func (p *pipeline) block(inv *invocation, err error) {
	inv.blocked = true
	inv.rec.Failed = true
	inv.rec.Result = tools.Failure(err)
	p.logger.Warn("orchestrator: tool call rejected", "turn", inv.turnID, "tool", inv.call.Name, "error", err)
}

func (p *pipeline) execute(ctx context.Context, inv *invocation) {
	if inv.blocked {
		return
	}
	pctx := tools.WithProgress(ctx, func(msg string) {
		p.sendTool(ctx, protocol.MsgToolProgress, protocol.ToolPayload{
			CallID:   inv.call.ID,
			Name:     inv.call.Name,
			TurnID:   inv.turnID,
			Progress: msg,
		})
	})
	res, err := p.executor.Execute(pctx, tools.Call{ID: inv.call.ID, Name: inv.call.Name, Arguments: inv.args})
	if err != nil {
		inv.rec.Failed = true
		inv.rec.Result = tools.Failure(err)
		p.logger.Warn("orchestrator: tool failed", "turn", inv.turnID, "tool", inv.call.Name, "error", err)
		return
	}
	inv.rec.Result = res
}

func (p *pipeline) resolve(_ context.Context, inv *invocation) {
	if inv.rec.Failed {
		return
	}
	ev, err := p.resolver.Resolve(inv.agent.Name, inv.call.Name, inv.rec.Result)
	var rerr *handoff.ResolutionError
	switch {
	case errors.As(err, &rerr):
		p.logger.Warn("orchestrator: handoff not resolved, staying on agent",
			"turn", inv.turnID, "agent", inv.agent.Name, "tool", inv.call.Name, "target", rerr.Target)
	case err != nil:
		p.logger.Warn("orchestrator: handoff resolution failed", "turn", inv.turnID, "tool", inv.call.Name, "error", err)
	case ev != nil:
		inv.rec.Handoff = ev
	}
}

func (p *pipeline) persist(ctx context.Context, inv *invocation) {
	if inv.rec.Failed || !p.session.MergeSlots(inv.rec.Result.Slots) {
		return
	}
	if p.syncer == nil {
		return
	}
	if err := p.syncer.Save(ctx, p.session.Snapshot()); err != nil {
		p.logger.Warn("orchestrator: persist slots", "turn", inv.turnID, "tool", inv.call.Name, "error", err)
	}
}

func (p *pipeline) notify(ctx context.Context, inv *invocation) {
	inv.rec.EndedAt = p.now()
	p.sendTool(ctx, protocol.MsgToolEnd, protocol.ToolPayload{
		CallID:    inv.call.ID,
		Name:      inv.call.Name,
		TurnID:    inv.turnID,
		Arguments: inv.argMap,
		Result:    inv.rec.Result.Map(),
	})
}

func (p *pipeline) sendTool(ctx context.Context, typ protocol.MessageType, payload protocol.ToolPayload) {
	if p.send == nil {
		return
	}
	env, err := protocol.New(typ, protocol.SenderTool, p.session.ID, payload)
	if err != nil {
		p.logger.Warn("orchestrator: encode tool notice", "type", typ, "error", err)
		return
	}
	p.send(ctx, env)
}
