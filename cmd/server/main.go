// Command analytics-agent runs the multi-agent analytics assistant: the HTTP
// and MCP server, one-off questions, sandboxed code and ledger migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "analytics-agent",
		Short:         "Multi-agent analytics assistant over Tableau data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")

	root.AddCommand(
		newServeCmd(&envFile),
		newAskCmd(&envFile),
		newExecCmd(&envFile),
		newMigrateCmd(&envFile),
	)
	return root
}
