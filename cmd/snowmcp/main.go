// snowmcp gateway — event-sourced analytics gateway over a Snowflake
// warehouse. Serves the WebSocket/HTTP surface and ships the operator
// commands for deployment, tokens, and activation links.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "snowmcp",
	Short:         "Event-sourced analytics gateway for Snowflake",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		envPath := filepath.Join(configDir, ".env")
		if err := godotenv.Load(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "./config"), "Path to configuration directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(activateURLCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to the documented process exit codes:
// 0 success, 1 uncaught, 2 misconfiguration, 3 authentication failure,
// 4 version conflict during deploy, 5 quota exceeded.
func exitCode(err error) int {
	var gwErr *models.GatewayError
	if !errors.As(err, &gwErr) {
		return 1
	}
	switch gwErr.Kind {
	case models.KindConfig:
		return 2
	case models.KindAuth, models.KindAuthz:
		return 3
	case models.KindDeploy:
		if gwErr.Class == models.ClassVersionConflict {
			return 4
		}
	case models.KindQuota:
		return 5
	}
	return 1
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
