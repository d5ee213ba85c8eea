// Command spreadbot runs the 0DTE debit-spread engine: scheduled decision
// cycles, daily settlement and the operator HTTP API.
package main

import (
	"os"

	"github.com/alanyoungcy/spreadbot/cmd/spreadbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
