package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"converge/internal/app"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveSilent suppresses all log output.
var serveSilent bool

// serveConfigPath specifies a custom configuration directory path.
// The directory should contain config.yaml and a targets/ subdirectory.
var serveConfigPath string

// serveCmd defines the serve command structure.
// This is the main command of converge: it starts the reconciliation
// scheduler, the target watcher and the management API, and runs until
// interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the converge reconciliation server",
	Long: `Starts the reconciliation scheduler and the management API.

Targets persisted under the configuration directory are registered at
startup, then each target is reconciled on its interval: the declared
revision is fetched from git, compared against the live objects the server
owns, and the difference is applied in dependency order.

Targets can be managed while running, either through the HTTP API
('converge target', 'converge status' use it) or by editing the YAML files
in the targets/ directory, which is watched for changes.

Configuration:
  converge loads config.yaml from ~/.config/converge by default.
  Use --config-path to point at a different directory containing
  config.yaml and targets/.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.Options{
		ConfigPath: serveConfigPath,
		Debug:      serveDebug,
		Silent:     serveSilent,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable general debug logging")
	serveCmd.Flags().BoolVar(&serveSilent, "silent", false, "Suppress all log output")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
}
