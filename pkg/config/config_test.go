package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/parley/pkg/config"
	"github.com/haivivi/parley/pkg/handoff"
	"github.com/haivivi/parley/pkg/pool"
)

const sample = `
listen: ":9000"
model:
  provider: openai
  name: gpt-4o
  max_attempts: 3
pools:
  recognizer:
    policy: on_demand
    max_size: 4
    min_idle: 1
    max_idle_time: 2m
session:
  max_tool_calls: 3
  interrupt_budget: 150ms
  silence_timeout: 800ms
  recognizer_retries: 5
store:
  driver: badger
  dir: /tmp/parley
  codec: msgpack
tools:
  - name: lookup_booking
    url: http://tools.local/lookup
    parameters:
      type: object
      properties:
        ref: {type: string}
agents:
  - name: Concierge
    instructions: You greet callers.
    tools: [lookup_booking]
    handoff_triggers:
      transfer_to_billing: {target: Billing}
      transfer_to_fraud: {target: Fraud, type: discrete, context_query: "{card: .slots.card}"}
  - name: Billing
    greeting: Billing here.
    silence_timeout: 1s
  - name: Fraud
    voice: fraud-voice
`

func TestParse(t *testing.T) {
	c, err := config.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Listen != ":9000" || c.Path != "/call" {
		t.Fatalf("Listen, Path = %q, %q", c.Listen, c.Path)
	}
	if c.Model.APIKeyEnv != "OPENAI_API_KEY" || c.Model.Timeout.D() != 20*time.Second {
		t.Fatalf("Model = %+v", c.Model)
	}
	if got := c.Pools.Recognizer.ParsedPolicy(); got != pool.OnDemand {
		t.Fatalf("recognizer policy = %v, want on_demand", got)
	}
	if c.Pools.Recognizer.MaxIdleTime.D() != 2*time.Minute {
		t.Fatalf("MaxIdleTime = %v", c.Pools.Recognizer.MaxIdleTime)
	}
	if c.Pools.Synthesizer.MaxSize != 16 {
		t.Fatalf("synthesizer MaxSize = %d, want default 16", c.Pools.Synthesizer.MaxSize)
	}
	if c.Session.InterruptBudget.D() != 150*time.Millisecond {
		t.Fatalf("InterruptBudget = %v", c.Session.InterruptBudget)
	}
	if c.Session.RecognizerRetries != 5 {
		t.Fatalf("RecognizerRetries = %d, want 5", c.Session.RecognizerRetries)
	}
	if c.StartAgent != "Concierge" {
		t.Fatalf("StartAgent = %q", c.StartAgent)
	}
	if c.Tools[0].Timeout.D() != 10*time.Second {
		t.Fatalf("tool timeout = %v", c.Tools[0].Timeout)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	c, err := config.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg, err := c.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	con, ok := reg.Lookup("Concierge")
	if !ok {
		t.Fatal("Concierge missing")
	}
	if tr := con.Triggers["transfer_to_billing"]; tr == nil || tr.Type != handoff.Announced {
		t.Fatalf("billing trigger = %+v", tr)
	}
	if tr := con.Triggers["transfer_to_fraud"]; tr == nil || tr.Type != handoff.Discrete || tr.Target != "Fraud" {
		t.Fatalf("fraud trigger = %+v", tr)
	}
	if !con.HasTool("transfer_to_fraud") {
		t.Fatalf("trigger tool not added: %v", con.Tools)
	}
	if con.SilenceTimeout != 800*time.Millisecond {
		t.Fatalf("inherited SilenceTimeout = %v", con.SilenceTimeout)
	}
	billing, _ := reg.Lookup("Billing")
	if billing.SilenceTimeout != time.Second {
		t.Fatalf("Billing SilenceTimeout = %v", billing.SilenceTimeout)
	}
	fraud, _ := reg.Lookup("Fraud")
	if fraud.VoiceProfile != "fraud-voice" {
		t.Fatalf("Fraud VoiceProfile = %q", fraud.VoiceProfile)
	}
}

func TestToolRegistryAddsTransferTools(t *testing.T) {
	c, err := config.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg, err := c.ToolRegistry()
	if err != nil {
		t.Fatalf("ToolRegistry: %v", err)
	}
	want := []string{"lookup_booking", "transfer_to_billing", "transfer_to_fraud"}
	if got := reg.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	lookup, _ := reg.Get("lookup_booking")
	if _, ok := lookup.Parameters.Properties["ref"]; !ok {
		t.Fatalf("lookup schema = %+v", lookup.Parameters)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no agents", "listen: \":1\"\n", "no agents"},
		{"unknown field", "agents: [{name: A}]\nbogus: 1\n", "bogus"},
		{"bad provider", "model: {provider: nope}\nagents: [{name: A}]\n", "model.provider"},
		{"bad policy", "pools: {recognizer: {policy: random}}\nagents: [{name: A}]\n", "pools.recognizer"},
		{"badger without dir", "store: {driver: badger}\nagents: [{name: A}]\n", "store.dir"},
		{"bad codec", "store: {codec: xml}\nagents: [{name: A}]\n", "store.codec"},
		{"s3 without bucket", "archive: {driver: s3}\nagents: [{name: A}]\n", "archive.bucket"},
		{"unknown target", "agents: [{name: A, handoff_triggers: {go: {target: B}}}]\n", "unknown agent"},
		{"bad trigger type", "agents: [{name: A}, {name: B, handoff_triggers: {go: {target: A, type: loud}}}]\n", "loud"},
		{"undeclared tool", "agents: [{name: A, tools: [missing]}]\n", "missing"},
		{"bad start agent", "start_agent: Z\nagents: [{name: A}]\n", "start_agent"},
		{"negative recognizer retries", "session: {recognizer_retries: -1}\nagents: [{name: A}]\n", "session.recognizer_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidationErrorsWrapErrInvalid(t *testing.T) {
	_, err := config.Parse([]byte("model: {provider: nope}\nagents: [{name: A}]\n"))
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Store.Codec != "msgpack" {
		t.Fatalf("Codec = %q", c.Store.Codec)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestDurationYAML(t *testing.T) {
	var v struct {
		A config.Duration `yaml:"a"`
		B config.Duration `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 1.5s\nb: 1000\n"), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v.A.D() != 1500*time.Millisecond || v.B.D() != 1000 {
		t.Fatalf("A, B = %v, %v", v.A, v.B)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "a: 1.5s") {
		t.Fatalf("Marshal = %q", out)
	}
	if err := yaml.Unmarshal([]byte("a: soon\n"), &v); err == nil {
		t.Fatal("Unmarshal accepted a bad duration")
	}
}
