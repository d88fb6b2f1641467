package model

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/haivivi/parley/pkg/tools"
)

var _ Model = (*OpenAI)(nil)

const (
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
)

// OpenAI implements Model with the chat completions API.
type OpenAI struct {
	Client *openai.Client `json:"-"`

	Model string `json:"model"`

	Temperature float64 `json:"temperature,omitzero"`
	MaxTokens   int64   `json:"max_tokens,omitzero"`

	// UseSystemRole sends instructions as a system message instead of a
	// developer message, for OpenAI-compatible servers that predate it.
	UseSystemRole bool `json:"use_system_role,omitzero"`
}

func (g *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	params, err := g.chatCompletion(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmpty
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrBlocked, choice.Message.Refusal)
	}
	if choice.FinishReason == oaiFinishReasonContentFilter {
		return nil, fmt.Errorf("%w: content filter", ErrBlocked)
	}
	out := &Response{
		Text:      choice.Message.Content,
		Truncated: choice.FinishReason == oaiFinishReasonLength,
		Usage: Usage{
			PromptTokens:    resp.Usage.PromptTokens,
			GeneratedTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (g *OpenAI) chatCompletion(req *Request) (openai.ChatCompletionNewParams, error) {
	msgs, err := g.convMessages(req)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    g.Model,
	}
	if g.Temperature > 0 {
		params.Temperature = param.NewOpt(g.Temperature)
	}
	if g.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(g.MaxTokens)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oaiConvTool(t))
	}
	return params, nil
}

func (g *OpenAI) convMessages(req *Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, g.convSystem(req.System))
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			if msg.Text == "" {
				return nil, fmt.Errorf("message %d: user message must contain text", i)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: param.NewOpt(msg.Text),
					},
				},
			})
		case RoleModel:
			mp, err := oaiConvModelMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, mp)
		case RoleTool:
			if msg.CallID == "" {
				return nil, fmt.Errorf("message %d: tool message without call id", i)
			}
			out = append(out, openai.ToolMessage(msg.Text, msg.CallID))
		default:
			return nil, fmt.Errorf("message %d: unexpected role %v", i, msg.Role)
		}
	}
	return out, nil
}

func (g *OpenAI) convSystem(text string) openai.ChatCompletionMessageParamUnion {
	if g.UseSystemRole {
		return openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(text),
				},
			},
		}
	}
	return openai.ChatCompletionMessageParamUnion{
		OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
			Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
				OfString: param.NewOpt(text),
			},
		},
	}
}

func oaiConvModelMessage(msg Message) (openai.ChatCompletionMessageParamUnion, error) {
	if msg.Text == "" && len(msg.ToolCalls) == 0 {
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("model message must contain text or tool calls")
	}
	am := &openai.ChatCompletionAssistantMessageParam{}
	if msg.Text != "" {
		am.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(msg.Text),
		}
	}
	for _, tc := range msg.ToolCalls {
		am.ToolCalls = append(am.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: am}, nil
}

func oaiConvTool(t tools.Spec) openai.ChatCompletionToolParam {
	fn := openai.FunctionDefinitionParam{
		Name:       t.Name,
		Parameters: oaiConvSchema(t.Parameters),
	}
	if t.Description != "" {
		fn.Description = param.NewOpt(t.Description)
	}
	return openai.ChatCompletionToolParam{Function: fn}
}

func oaiConvSchema(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	b, err := sonic.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := sonic.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
