// Command bastion runs the risk-managed execution engine.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coachpo/bastion/internal/infra/config"
)

const (
	defaultConfigPath = "config/app.yaml"
	defaultEnvFile    = ".env"
	loggerPrefix      = "bastion "
)

type rootOptions struct {
	configPath string
	envFile    string
	quiet      bool
}

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "bastion",
		Short:         "Risk-managed order execution for perpetual futures",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file"))
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", fmt.Sprintf("path to application configuration file (default: %s)", defaultConfigPath))
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before the configuration")
	root.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "suppress informational logs")

	root.AddCommand(newRunCommand(opts), newEvaluateCommand(opts), newMigrateCommand(opts), newConfigCommand(opts))
	return root
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (o *rootOptions) logger() *log.Logger {
	if o.quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func (o *rootOptions) loadConfig(ctx context.Context) (config.AppConfig, error) {
	store, err := o.openConfigStore(ctx)
	if err != nil {
		return config.AppConfig{}, err
	}
	return store.Snapshot(), nil
}

// loadEnvFile loads dotenv values without overriding the process environment.
// A missing default file is ignored; a missing explicit file is an error.
func loadEnvFile(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("BASTION_CONFIG")); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
