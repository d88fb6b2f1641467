package commands

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/parley/pkg/cli"
	"github.com/haivivi/parley/pkg/handoff"
)

type triggerView struct {
	Tool         string `json:"tool" yaml:"tool"`
	Target       string `json:"target" yaml:"target"`
	Type         string `json:"type" yaml:"type"`
	ContextQuery string `json:"context_query,omitempty" yaml:"context_query,omitempty"`
}

type agentView struct {
	Name           string        `json:"name" yaml:"name"`
	Tools          []string      `json:"tools,omitempty" yaml:"tools,omitempty"`
	Triggers       []triggerView `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Voice          string        `json:"voice,omitempty" yaml:"voice,omitempty"`
	Greeting       string        `json:"greeting,omitempty" yaml:"greeting,omitempty"`
	SilenceTimeout string        `json:"silence_timeout,omitempty" yaml:"silence_timeout,omitempty"`
}

type agentList []agentView

func (l agentList) Table() cli.Table {
	t := cli.Table{
		Styles:   cli.NewStyles(cli.DefaultTheme),
		Headers:  []string{"AGENT", "TOOLS", "HANDOFFS", "VOICE", "GREETING"},
		MaxWidth: 48,
	}
	for _, a := range l {
		var hs []string
		for _, tr := range a.Triggers {
			hs = append(hs, fmt.Sprintf("%s→%s (%s)", tr.Tool, tr.Target, tr.Type))
		}
		t.Rows = append(t.Rows, []string{a.Name, strings.Join(a.Tools, ", "), strings.Join(hs, ", "), a.Voice, a.Greeting})
	}
	return t
}

func viewAgents(reg *handoff.Registry) agentList {
	var out agentList
	for _, a := range reg.Agents() {
		v := agentView{
			Name:     a.Name,
			Tools:    slices.Clone(a.Tools),
			Voice:    a.VoiceProfile,
			Greeting: a.Greeting,
		}
		if a.SilenceTimeout > 0 {
			v.SilenceTimeout = a.SilenceTimeout.String()
		}
		for _, tool := range slices.Sorted(maps.Keys(a.Triggers)) {
			tr := a.Triggers[tool]
			v.Triggers = append(v.Triggers, triggerView{Tool: tool, Target: tr.Target, Type: tr.Type.String(), ContextQuery: tr.ContextQuery})
		}
		out = append(out, v)
	}
	return out
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Validate the agent table and print it",
	Long: `Load the deployment file, check every agent, tool and handoff trigger, and
print the resulting agent table. Exits non-zero if the table is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := cfg.Registry()
		if err != nil {
			return err
		}
		return output(cmd, viewAgents(reg))
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}
