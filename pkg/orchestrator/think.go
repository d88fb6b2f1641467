package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/model"
	"github.com/haivivi/parley/pkg/tools"
)

type thinkJob struct {
	turnID     int64
	agent      *handoff.Agent
	transcript string
	history    []model.Message
}

// thought is the outcome of thinking about one turn.
type thought struct {
	turnID    int64
	reply     string
	calls     []ToolCall
	handoff   *handoff.Event
	truncated bool
	err       error

	// messages are appended to the conversation history, starting with
	// the user's transcript.
	messages []model.Message
}

// think runs the model and tool loop for one turn. At most MaxToolCalls
// tools execute; calls past the cap are refused and the model is asked
// once more, without tools, for a final answer.
//
// An announced handoff ends the loop and the reply is whatever the model
// said alongside the transfer. A discrete handoff continues the same turn
// on the target agent, so the caller hears the target's answer directly.
func (o *Orchestrator) think(ctx context.Context, job thinkJob) thought {
	th := thought{turnID: job.turnID}
	base := len(job.history)
	msgs := append(job.history, model.UserText(job.transcript))
	agent := job.agent
	used := 0
	final := false

	for {
		req := &model.Request{System: agent.Instructions, Messages: msgs}
		if !final {
			req.Tools = o.cfg.Tools.Specs(agent.Tools)
		}
		resp, err := o.model.Generate(ctx, req)
		if err != nil {
			th.err = err
			break
		}
		if final || len(resp.ToolCalls) == 0 {
			th.reply = resp.Text
			if resp.Text != "" {
				msgs = append(msgs, model.ModelText(resp.Text))
			}
			break
		}

		calls := make([]model.ToolCall, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			if c.ID == "" {
				c.ID = "call_" + uuid.NewString()
			}
			calls[i] = c
		}
		msgs = append(msgs, model.Message{Role: model.RoleModel, Text: resp.Text, ToolCalls: calls})

		var announced bool
		for _, call := range calls {
			if used >= o.cfg.MaxToolCalls {
				rec := o.refuse(call)
				th.truncated = true
				th.calls = append(th.calls, rec)
				msgs = append(msgs, model.ToolReply(call, rec.Result.String()))
				continue
			}
			used++
			rec := o.pipe.run(ctx, job.turnID, agent, call)
			msgs = append(msgs, model.ToolReply(call, rec.Result.String()))
			if ev := rec.Handoff; ev != nil {
				if th.handoff != nil {
					o.logger.Warn("orchestrator: second handoff in one turn ignored",
						"turn", job.turnID, "tool", call.Name, "target", ev.Target)
					rec.Handoff = nil
				} else {
					th.handoff = ev
					announced = ev.Type == handoff.Announced
				}
			}
			th.calls = append(th.calls, rec)
		}

		if err := ctx.Err(); err != nil {
			th.err = err
			break
		}
		if announced {
			th.reply = resp.Text
			break
		}
		if th.handoff != nil && agent.Name != th.handoff.Target {
			if next, ok := o.cfg.Resolver.Registry().Lookup(th.handoff.Target); ok {
				agent = next
			}
		}
		if th.truncated {
			final = true
		}
	}

	th.messages = msgs[base:]
	return th
}

// refuse records a call that was not executed because the turn's tool
// budget is spent.
func (o *Orchestrator) refuse(call model.ToolCall) ToolCall {
	now := o.now()
	o.logger.Warn("orchestrator: tool call limit reached", "tool", call.Name, "limit", o.cfg.MaxToolCalls)
	return ToolCall{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Refused:   true,
		Result: tools.Result{
			Success: false,
			Message: o.cfg.TruncationNotice,
			Extra:   map[string]any{"error": "tool_call_limit"},
		},
		StartedAt: now,
		EndedAt:   now,
	}
}
