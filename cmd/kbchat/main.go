// Command kbchat is the entry point for the knowledge base chat assistant.
// It provides a CLI interface (via Cobra) and an optional HTTP server that
// exposes the assistant over a REST/SSE API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kbchat-go/cmd/kbchat/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
