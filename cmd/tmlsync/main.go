package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tmlsync/internal/app"
	"tmlsync/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads .env files and reads the config file.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cwd, _ := os.Getwd()
	if err := app.LoadEnv(cwd, defaults["base_dir"]); err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// command labels the log lines of this run (e.g. "sync", "serve").
func newApp(ctx context.Context, command string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, command, app.WithVersion(version))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "tmlsync",
	Short:        "tModLoader workshop catalog sync",
	SilenceUsage: true,
	Version:      version,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		promptKey, _ := cmd.Flags().GetBool("api-key")
		if promptKey {
			key, err := readSecret("Steam Web API key: ")
			if err != nil {
				return fmt.Errorf("reading api key: %w", err)
			}
			cfg.Upstream.APIKey = key
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		if cfg.Upstream.APIKey == "" {
			fmt.Printf("API key will be read from $%s\n", cfg.Upstream.APIKeyEnv)
		}
		fmt.Println("Run `tmlsync migrate` to create the database schema.")
		return nil
	},
}

// readSecret prompts on stderr and reads one line without echo when stdin
// is a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		key := "(from $" + cfg.Upstream.APIKeyEnv + ")"
		if cfg.Upstream.APIKey != "" {
			key = "(set)"
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Log Level: %s\n", cfg.LogLevel)
		fmt.Printf("Upstream:  %s (app %d, key %s)\n", cfg.Upstream.BaseURL, cfg.Upstream.AppID, key)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Schedule:  %s %s\n", cfg.Schedule.Time, cfg.Schedule.Timezone)
		fmt.Printf("Archive:   %s\n", cfg.Archive.Type)
		fmt.Printf("Listen:    %s\n", cfg.Server.Listen)
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.Migrate(cmd.Context(), cfg); err != nil {
			return err
		}
		fmt.Println("Database schema is up to date.")
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one catalog sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipHistory, _ := cmd.Flags().GetBool("skip-history")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "sync")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Sync(ctx, !skipHistory)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Synced %d mod(s) from %d page(s) in %s\n",
			stats.Entities, stats.Pages, stats.Duration.Truncate(time.Millisecond))
		if stats.LookupFailures > 0 {
			fmt.Printf("Skipped %d failed lookup(s)\n", stats.LookupFailures)
		}
		if stats.HistoryAppended {
			fmt.Printf("History recorded for %s\n", stats.Date.Format("2006-01-02"))
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the daily sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		noSchedule, _ := cmd.Flags().GetBool("no-schedule")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx, !noSchedule)
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "runs")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			history := ""
			if r.HistoryAppended {
				history = "  [history]"
			}
			fmt.Printf("%s  %s  %-8s  %6d  %s%s\n",
				r.ID,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.EntityCount,
				duration,
				history,
			)
			if r.Error != "" {
				fmt.Printf("    %s\n", r.Error)
			}
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().Bool("api-key", false, "Prompt for a Steam Web API key to store in the config")
	configCmd.AddCommand(configListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("skip-history", false, "Do not record today's history even if it is due")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-schedule", false, "Serve the API without the daily sync")
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
}
