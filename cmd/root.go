package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coralnet/internal/app"
	"coralnet/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coralnet",
	Short: "CoralNet job orchestration",
	Long: `coralnet runs the background side of CoralNet: the job worker, the
periodic scheduler, the job status API, and tools for inspecting jobs.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE loads config and builds the app for every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := app.ConfigureLogging(cfg); err != nil {
			return err
		}

		appInstance, err := app.NewApp(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appInstance, err := GetAppFromContext(cmd.Context()); err == nil {
			appInstance.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type contextKey string

const appKey contextKey = "app"

// GetAppFromContext returns the app built by the root command.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./config.yaml or ~/.config/coralnet/config.yaml)")

	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(migrateCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database and Redis connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Checking connectivity...")
		if err := appInstance.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "OK: %s database, %s spacer backend, %d registered jobs.\n",
			appInstance.Config.Database.Driver, appInstance.Config.Spacer.Backend, len(appInstance.Registry.Definitions()))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := appInstance.Store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
		return nil
	},
}
