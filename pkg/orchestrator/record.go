package orchestrator

import (
	"context"
	"time"

	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/interrupt"
	"github.com/haivivi/parley/pkg/protocol"
	"github.com/haivivi/parley/pkg/session"
)

// CallRecord is the archived account of a closed call.
type CallRecord struct {
	SessionID  string                   `json:"session_id"`
	Kind       session.Kind             `json:"kind"`
	FinalAgent string                   `json:"final_agent"`
	TextOnly   bool                     `json:"text_only,omitempty"`
	Reason     string                   `json:"reason"`
	StartedAt  time.Time                `json:"started_at"`
	EndedAt    time.Time                `json:"ended_at"`
	Turns      []Turn                   `json:"turns"`
	BargeIns   []interrupt.BargeInEvent `json:"barge_ins,omitempty"`
	Handoffs   []handoff.Event          `json:"handoffs,omitempty"`
	Slots      map[string]any           `json:"slots,omitempty"`
}

// Record returns the call record as of now.
func (o *Orchestrator) Record(reason string) CallRecord {
	return CallRecord{
		SessionID:  o.sess.ID,
		Kind:       o.sess.Kind,
		FinalAgent: o.sess.Agent(),
		TextOnly:   o.sess.TextOnly(),
		Reason:     reason,
		StartedAt:  o.sess.StartedAt(),
		EndedAt:    o.now(),
		Turns:      o.Turns(),
		BargeIns:   o.ctrl.History(),
		Handoffs:   o.sess.Handoffs(),
		Slots:      o.sess.Slots(),
	}
}

// shutdown drains the session: in-flight work is canceled, the open turn
// is closed out, state is flushed, and the call is archived.
func (o *Orchestrator) shutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.sess.SetLifecycle(session.Draining)
	o.logger.Info("orchestrator: draining", "reason", reason)

	if o.thinkCancel != nil {
		o.thinkCancel()
	}
	o.cfg.Dispatcher.Close()
	close(o.stop)
	o.workers.Wait()

	if t := o.current(); t != nil && !t.State.Terminal() {
		next := Interrupted
		if !t.State.CanTransition(Interrupted) {
			next = Failed
		}
		o.setState(ctx, t, next, "session closed")
	}

	if s := o.cfg.Syncer; s != nil {
		if err := s.Save(ctx, o.sess.Snapshot()); err != nil {
			o.logger.Warn("orchestrator: final save", "error", err)
		}
		if err := s.Flush(ctx); err != nil {
			o.logger.Warn("orchestrator: flush", "error", err)
		}
	}

	o.event(ctx, protocol.EventSessionClosed, map[string]any{
		"reason": reason,
		"turns":  o.sess.TurnCounter(),
		"agent":  o.sess.Agent(),
	})

	if o.cfg.Archive != nil {
		if err := o.cfg.Archive.Save(ctx, o.sess.ID, o.Record(reason)); err != nil {
			o.logger.Error("orchestrator: archive call", "error", err)
		}
	}
	o.sess.SetLifecycle(session.Closed)
	o.logger.Info("orchestrator: session closed", "reason", reason, "turns", o.sess.TurnCounter())
}
