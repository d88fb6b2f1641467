package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/haivivi/parley/pkg/tools"
)

var _ Model = (*Gemini)(nil)

// Gemini implements Model with the Gemini API.
type Gemini struct {
	Client *genai.Client `json:"-"`

	// Model should not start with "models/"
	Model string `json:"model"`

	Temperature float32 `json:"temperature,omitzero"`
	MaxTokens   int32   `json:"max_tokens,omitzero"`
}

func (g *Gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	cfg, contents, err := g.convRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Models.GenerateContent(ctx, g.Model, contents, cfg)
	if err != nil {
		var ae *apierror.APIError
		if errors.As(err, &ae) {
			err = ae.Unwrap()
		}
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmpty
	}
	cand := resp.Candidates[0]
	out := &Response{Usage: geminiConvUsage(resp.UsageMetadata)}
	switch cand.FinishReason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified, "":
	case genai.FinishReasonMaxTokens:
		out.Truncated = true
	case genai.FinishReasonSafety:
		var cats []string
		for _, sr := range cand.SafetyRatings {
			if sr.Blocked {
				cats = append(cats, string(sr.Category))
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrBlocked, strings.Join(cats, ", "))
	default:
		return nil, fmt.Errorf("model: unexpected finish reason: %s", cand.FinishReason)
	}
	if cand.Content == nil {
		return out, nil
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		switch {
		case p.Text != "":
			sb.WriteString(p.Text)
		case p.FunctionCall != nil:
			args, err := sonic.MarshalString(p.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("model: encode function call args: %w", err)
			}
			id := p.FunctionCall.ID
			if id == "" {
				id = p.FunctionCall.Name
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: p.FunctionCall.Name, Arguments: args})
		}
	}
	out.Text = sb.String()
	return out, nil
}

func (g *Gemini) convRequest(req *Request) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if g.Temperature > 0 {
		t := g.Temperature
		cfg.Temperature = &t
	}
	if g.MaxTokens > 0 {
		cfg.MaxOutputTokens = g.MaxTokens
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiConvTool(t))
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var (
		contents []*genai.Content
		last     *genai.Content
	)
	for i, msg := range req.Messages {
		c, err := geminiConvMessage(last, msg)
		if err != nil {
			return nil, nil, fmt.Errorf("message %d: %w", i, err)
		}
		if c != nil {
			contents = append(contents, c)
			last = c
		}
	}
	if len(contents) == 0 {
		return nil, nil, fmt.Errorf("no contents")
	}
	return cfg, contents, nil
}

// geminiConvMessage converts msg, appending its parts to last when the role
// is unchanged. It returns a new Content only when one was started.
func geminiConvMessage(last *genai.Content, msg Message) (*genai.Content, error) {
	var (
		role  string
		parts []*genai.Part
	)
	switch msg.Role {
	case RoleUser:
		role = genai.RoleUser
		parts = append(parts, genai.NewPartFromText(msg.Text))
	case RoleModel:
		role = genai.RoleModel
		if msg.Text != "" {
			parts = append(parts, genai.NewPartFromText(msg.Text))
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := sonic.UnmarshalString(tc.Arguments, &args); err != nil {
				args = map[string]any{"text": tc.Arguments}
			}
			p := genai.NewPartFromFunctionCall(tc.Name, args)
			p.FunctionCall.ID = tc.ID
			parts = append(parts, p)
		}
	case RoleTool:
		role = genai.RoleUser
		var result map[string]any
		if err := sonic.UnmarshalString(msg.Text, &result); err != nil {
			result = map[string]any{"text": msg.Text}
		}
		p := genai.NewPartFromFunctionResponse(msg.ToolName, result)
		p.FunctionResponse.ID = msg.CallID
		parts = append(parts, p)
	default:
		return nil, fmt.Errorf("unexpected role %v", msg.Role)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty %v message", msg.Role)
	}
	if last == nil || last.Role != role {
		return &genai.Content{Role: role, Parts: parts}, nil
	}
	last.Parts = append(last.Parts, parts...)
	return nil, nil
}

func geminiConvTool(t tools.Spec) *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  geminiConvSchema(t.Parameters),
	}
}

func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}
	enums := make([]string, 0, len(schema.Enum))
	for _, v := range schema.Enum {
		enums = append(enums, fmt.Sprintf("%v", v))
	}
	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Enum:        enums,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}
	typ := schema.Type
	if typ == "" {
		for _, t := range schema.Types {
			if t != "null" {
				typ = t
				break
			}
		}
	}
	switch typ {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}

func geminiConvUsage(usage *genai.GenerateContentResponseUsageMetadata) Usage {
	if usage == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:    int64(usage.PromptTokenCount),
		GeneratedTokens: int64(usage.CandidatesTokenCount),
	}
}
