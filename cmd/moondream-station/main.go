// Command moondream-station runs the Moondream Station inference control
// plane: manifest resolution, backend provisioning, the bounded worker
// pool, and the HTTP gateway. It does not host an interactive REPL,
// analytics upload, or environment bootstrapper; this entry point only
// drives `serve`.
package main

import (
	"fmt"
	"os"

	"github.com/moondream/station/cmd/moondream-station/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
