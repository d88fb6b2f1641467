// Command parley serves voice calls.
//
// Usage:
//
//	parley [flags] <command> [args]
//
// Commands:
//
//	serve      Run the call gateway
//	agents     Validate the agent table and print it
//	session    Inspect stored sessions
//	version    Show version information
package main

import (
	"os"

	"github.com/haivivi/parley/cmd/parley/commands"
	"github.com/haivivi/parley/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
