package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/jsonschema-go/jsonschema"
)

// WebhookConfig describes a tool served by an HTTP endpoint. The endpoint
// receives the call arguments as a JSON POST body and answers with a Result
// object.
type WebhookConfig struct {
	Name        string
	Description string
	URL         string
	Headers     map[string]string
	Parameters  *jsonschema.Schema
	Timeout     time.Duration
	Client      *http.Client
}

// maxWebhookResponse bounds how much of a webhook reply is read.
const maxWebhookResponse = 1 << 20

// NewWebhook returns a tool that forwards calls to cfg.URL.
func NewWebhook(cfg WebhookConfig) *Tool {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	params := cfg.Parameters
	if params == nil {
		params = &jsonschema.Schema{Type: "object"}
	}
	spec := Spec{Name: cfg.Name, Description: cfg.Description, Parameters: params}
	return NewRaw(spec, func(ctx context.Context, args string) (Result, error) {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		normalized, _, err := NormalizeArgs(args)
		if err != nil {
			return Result{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewBufferString(normalized))
		if err != nil {
			return Result{}, fmt.Errorf("tools: %s: %w", cfg.Name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Result{}, fmt.Errorf("tools: %s: %w", cfg.Name, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
		if err != nil {
			return Result{}, fmt.Errorf("tools: %s: read response: %w", cfg.Name, err)
		}
		if resp.StatusCode/100 != 2 {
			return Result{}, fmt.Errorf("tools: %s: status %d: %s", cfg.Name, resp.StatusCode, bytes.TrimSpace(body))
		}
		var m map[string]any
		if err := sonic.Unmarshal(body, &m); err != nil {
			return Result{}, fmt.Errorf("tools: %s: decode response: %w", cfg.Name, err)
		}
		return ResultFromMap(m), nil
	})
}

// ResultFromMap is the inverse of Result.Map. Unknown keys land in Extra.
// A missing "success" key counts as success.
func ResultFromMap(m map[string]any) Result {
	r := Result{Success: true}
	for k, v := range m {
		switch k {
		case "success":
			b, ok := v.(bool)
			r.Success = !ok || b
		case "message":
			r.Message, _ = v.(string)
		case "handoff":
			r.Handoff, _ = v.(bool)
		case "target_agent":
			r.TargetAgent, _ = v.(string)
		case "handoff_type":
			r.HandoffType, _ = v.(string)
		case "handoff_summary":
			r.HandoffSummary, _ = v.(string)
		case "handoff_context":
			r.HandoffContext, _ = v.(map[string]any)
		case "slots":
			r.Slots, _ = v.(map[string]any)
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]any)
			}
			r.Extra[k] = v
		}
	}
	return r
}
