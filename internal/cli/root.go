package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/repository"
)

var (
	configPath string
	outFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "govctl",
	Short:         "Operator CLI for the agent governance control plane",
	Long:          "Checks policy and contract files offline and reads the audit ledger (sessions, timelines, WHY summaries).",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to config.yaml")
	rootCmd.PersistentFlags().StringVarP(&outFormat, "format", "f", "text", "Output format (text|json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openStorage ledger из того же конфига, что и у шлюза
func openStorage(ctx context.Context) (*repository.Storage, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return repository.Open(ctx, cfg, zap.NewNop())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
