// Command mcp-sessiond serves an MCP tool catalog over streaming HTTP (or
// stdio) with authenticated, idle-expiring sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-sessiond: %v\n", err)
		stop()
		os.Exit(1)
	}
}
