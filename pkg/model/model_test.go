package model_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/haivivi/parley/pkg/model"
)

type flaky struct {
	fails int
	err   error
	calls int
}

func (f *flaky) Generate(context.Context, *model.Request) (*model.Response, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, f.err
	}
	return &model.Response{Text: "ok"}, nil
}

var fastBackoff = gax.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		fails     int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, nil, 1, false},
		{"recovers", 2, errors.New("503"), 3, false},
		{"exhausted", 5, errors.New("503"), 3, true},
		{"blocked", 1, model.ErrBlocked, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &flaky{fails: tt.fails, err: tt.err}
			m := model.WithRetry(f, model.RetryConfig{MaxAttempts: 3, Backoff: fastBackoff})
			resp, err := m.Generate(context.Background(), &model.Request{})
			if f.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", f.calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && resp.Text != "ok" {
				t.Fatalf("Text = %q, want ok", resp.Text)
			}
		})
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flaky{fails: 10, err: errors.New("503")}
	m := model.WithRetry(f, model.RetryConfig{MaxAttempts: 5, Backoff: fastBackoff})
	if _, err := m.Generate(ctx, &model.Request{}); err == nil {
		t.Fatal("Generate succeeded on a canceled context")
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d, want 1", f.calls)
	}
}

func TestRoleString(t *testing.T) {
	for r, want := range map[model.Role]string{model.RoleUser: "user", model.RoleModel: "model", model.RoleTool: "tool"} {
		if r.String() != want {
			t.Errorf("Role(%d).String() = %q, want %q", r, r.String(), want)
		}
	}
}
