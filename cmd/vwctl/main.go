// Package main implements vwctl, the vitalwatch operator CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string

	root := &cobra.Command{
		Use:   "vwctl",
		Short: "Operator CLI for vitalwatch",
		Long: `vwctl validates rule files, simulates evaluation passes offline and
checks a running vitalwatchd.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "vitalwatchd admin URL")

	root.AddCommand(newRulesCmd())
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newHealthCmd(&serverURL))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vwctl %s (%s)\n", version, gitCommit)
		},
	})
	return root
}

// healthResponse matches internal/http HealthResponse.
type healthResponse struct {
	Status string `json:"status"`
}

func newHealthCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check vitalwatchd health",
		Long: `Check the health status of a running vitalwatchd.

Examples:
  vwctl health
  vwctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/health", *serverURL)
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, readErr := io.ReadAll(resp.Body)
				if readErr != nil {
					return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
				}
				return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
			}

			var hr healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Server Status:"), okStyle.Render(hr.Status))
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Server URL:"), *serverURL)
			return nil
		},
	}
}
