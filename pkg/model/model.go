// Package model is the language-model boundary of a turn.
//
// A Model takes the agent's instructions, the conversation so far, and the
// tools the agent may call, and returns either reply text or a batch of tool
// calls. Implementations are provided for the OpenAI chat completions API
// and for Gemini.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/haivivi/parley/pkg/tools"
)

var (
	// ErrBlocked is returned when the provider refused to answer.
	ErrBlocked = errors.New("model: blocked")
	// ErrEmpty is returned when the provider returned no candidates.
	ErrEmpty = errors.New("model: empty response")
)

// Role is the author of a message.
type Role int

const (
	RoleUser Role = iota
	RoleModel
	RoleTool
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleModel:
		return "model"
	case RoleTool:
		return "tool"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in the conversation.
//
// A RoleModel message carries Text, ToolCalls, or both. A RoleTool message
// answers the call named by CallID.
type Message struct {
	Role      Role       `json:"role"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// UserText returns a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// ModelText returns a model message with reply text only.
func ModelText(text string) Message {
	return Message{Role: RoleModel, Text: text}
}

// ToolReply returns the tool message answering call.
func ToolReply(call ToolCall, content string) Message {
	return Message{Role: RoleTool, CallID: call.ID, ToolName: call.Name, Text: content}
}

// Request is one model invocation.
type Request struct {
	System   string
	Messages []Message
	// Tools offered to the model. Empty forces a text reply.
	Tools []tools.Spec
}

// Usage reports token counts.
type Usage struct {
	PromptTokens    int64
	GeneratedTokens int64
}

// Response is the model's answer. Exactly one of Text or ToolCalls is
// normally set; some providers return both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Truncated bool
	Usage     Usage
}

// Model generates one response.
type Model interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// RetryConfig bounds retries of a model call.
type RetryConfig struct {
	// MaxAttempts including the first. Defaults to 3.
	MaxAttempts int
	Backoff     gax.Backoff
	// Timeout bounds each attempt. Zero means none.
	Timeout time.Duration
	Logger  *slog.Logger
}

// WithRetry wraps m so that failed calls are retried with backoff.
// ErrBlocked and context cancellation are not retried.
func WithRetry(m Model, cfg RetryConfig) Model {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = gax.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &retrying{m: m, cfg: cfg}
}

type retrying struct {
	m   Model
	cfg RetryConfig
}

func (r *retrying) Generate(ctx context.Context, req *Request) (*Response, error) {
	bo := r.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		var resp *Response
		resp, err = r.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrBlocked) || attempt >= r.cfg.MaxAttempts {
			return nil, err
		}
		pause := bo.Pause()
		r.cfg.Logger.Warn("model: call failed, retrying", "attempt", attempt, "pause", pause, "error", err)
		if serr := gax.Sleep(ctx, pause); serr != nil {
			return nil, err
		}
	}
}

func (r *retrying) attempt(ctx context.Context, req *Request) (*Response, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	return r.m.Generate(ctx, req)
}
