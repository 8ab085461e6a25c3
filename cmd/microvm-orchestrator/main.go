// Command microvm-orchestrator is the admin CLI and tool-server entry
// point: allow, list, remove, serve, version.
package main

import (
	"os"

	"github.com/mvorch/microvm-orchestrator/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
