// Package cli holds the output helpers shared by parley's subcommands:
// structured YAML or JSON dumps and styled tables for the terminal.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

// OutputFormat selects how a result is printed.
type OutputFormat string

const (
	FormatYAML  OutputFormat = "yaml"
	FormatJSON  OutputFormat = "json"
	FormatTable OutputFormat = "table"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatYAML, FormatJSON, FormatTable:
		return f, nil
	case "":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("cli: unsupported output format %q", s)
	}
}

// OutputOptions configures Output.
type OutputOptions struct {
	Format OutputFormat

	// Writer defaults to stdout.
	Writer io.Writer
}

// Output writes result in the requested format. Values implementing
// Tabler are printed as a table when FormatTable is requested; anything
// else falls back to YAML.
func Output(result any, opts OutputOptions) error {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	switch opts.Format {
	case FormatJSON:
		data, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("cli: format output: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case FormatTable:
		if t, ok := result.(Tabler); ok {
			_, err := fmt.Fprintln(w, t.Table().Render())
			return err
		}
		fallthrough
	case FormatYAML, "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("cli: format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("cli: unsupported output format %q", opts.Format)
	}
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
