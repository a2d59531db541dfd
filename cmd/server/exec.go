package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"analytics-agent/backend/internal/sandbox"
)

func newExecCmd(envFile *string) *cobra.Command {
	var (
		csvFile string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Run sandboxed code from a file or stdin and print the result as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*envFile)
			if err != nil {
				return err
			}

			var code []byte
			if len(args) == 1 && args[0] != "-" {
				code, err = os.ReadFile(args[0])
			} else {
				code, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read code: %w", err)
			}

			req := sandbox.Request{Code: string(code), Timeout: timeout}
			if csvFile != "" {
				data, err := os.ReadFile(csvFile)
				if err != nil {
					return fmt.Errorf("failed to read csv: %w", err)
				}
				req.Inputs = map[string]string{"csv_data": string(data)}
			}

			result := newEngine(cfg, logger).Execute(cmd.Context(), req)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("execution failed: %s", result.ErrorType)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&csvFile, "csv", "", "CSV file exposed to the program as inputs[\"csv_data\"]")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution deadline (capped by agent.exec_timeout)")
	return cmd
}
