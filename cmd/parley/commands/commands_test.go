package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haivivi/parley/pkg/config"
	"github.com/haivivi/parley/pkg/sessionstore"
)

const testConfig = `
store:
  driver: badger
  dir: %DIR%
agents:
  - name: Concierge
    voice: warm
    handoff_triggers:
      transfer_to_billing: {target: Billing}
  - name: Billing
    greeting: Billing here.
`

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, outputFormat = "parley.yaml", false, ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) (path, storeDir string) {
	t.Helper()
	dir := t.TempDir()
	storeDir = filepath.Join(dir, "store")
	path = filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(testConfig, "%DIR%", storeDir)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, storeDir
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "parley ") {
		t.Fatalf("output = %q", out)
	}

	out, err = run(t, "version", "-o", "json")
	if err != nil {
		t.Fatalf("version -o json: %v", err)
	}
	if !strings.Contains(out, `"version"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestAgentsTable(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "agents", "-c", path, "-o", "table")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	for _, want := range []string{"Concierge", "transfer_to_billing→Billing (announced)", "Billing here."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAgentsJSON(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "agents", "-c", path, "-o", "json")
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	var got []agentView
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 2 || got[0].Voice != "warm" || len(got[0].Triggers) != 1 {
		t.Fatalf("agents = %+v", got)
	}
	if got[0].Tools[0] != "transfer_to_billing" {
		t.Fatalf("trigger tool not listed: %v", got[0].Tools)
	}
}

func TestAgentsRejectsBadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("agents: [{name: A, handoff_triggers: {go: {target: Nobody}}}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "agents", "-c", path); err == nil || !strings.Contains(err.Error(), "Nobody") {
		t.Fatalf("err = %v, want unknown target", err)
	}
}

func TestSessionGet(t *testing.T) {
	path, storeDir := writeConfig(t)

	store, err := sessionstore.NewBadger(sessionstore.BadgerOptions{Dir: storeDir})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	syncer := sessionstore.NewSyncer(sessionstore.SyncerConfig{Store: store})
	snap := sessionstore.Snapshot{SessionID: "call-7", Version: 3, TurnCounter: 2, Agent: "Billing", Slots: map[string]any{"card": "1234"}}
	if err := syncer.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "session", "get", "call-7", "-c", path)
	if err != nil {
		t.Fatalf("session get: %v", err)
	}
	for _, want := range []string{"session_id: call-7", "agent: Billing", "turn_counter: 2", "card:", "1234"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "session", "list", "-c", path, "-o", "table")
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	if !strings.Contains(out, "call-7") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := run(t, "session", "get", "missing", "-c", path); err == nil {
		t.Fatal("session get of a missing id succeeded")
	}
}

func TestSpeechPoolsWarmToLowWaterMark(t *testing.T) {
	cfg, err := config.Parse([]byte(`
pools:
  recognizer: {policy: warmable, max_size: 4, min_idle: 2}
  synthesizer: {policy: warmable, max_size: 4, min_idle: 1}
agents:
  - name: Concierge
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	recPool, synPool, err := newSpeechPools(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatalf("newSpeechPools: %v", err)
	}
	defer recPool.Close()
	defer synPool.Close()

	if got := recPool.Stats().Idle; got != 2 {
		t.Fatalf("recognizer idle = %d, want 2", got)
	}
	if got := synPool.Stats().Idle; got != 1 {
		t.Fatalf("synthesizer idle = %d, want 1", got)
	}
}

func TestSessionConfigPassesRecognizerRetries(t *testing.T) {
	cfg, err := config.Parse([]byte("session: {recognizer_retries: 7, max_tool_calls: 2}\nagents: [{name: A}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := sessionConfig(cfg.Session)
	if got.RecognizerRetries != 7 || got.MaxToolCalls != 2 {
		t.Fatalf("sessionConfig = %+v", got)
	}
}
