// Command mnemos hosts the memory kernel, expiring bus and tuning engine
// behind an MCP stdio server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
