package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/bastion/internal/infra/persistence/migrations"
)

const defaultMigrateTimeout = 30 * time.Second

type migrateOptions struct {
	dsn     string
	dir     string
	timeout time.Duration
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	mig := &migrateOptions{timeout: defaultMigrateTimeout}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.PersistentFlags().StringVar(&mig.dsn, "database", "", "PostgreSQL DSN (default: database.dsn from config)")
	cmd.PersistentFlags().StringVar(&mig.dir, "path", "", "directory containing SQL migrations (default: embedded)")
	cmd.PersistentFlags().DurationVar(&mig.timeout, "timeout", mig.timeout, "maximum time to wait for database connectivity")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, dsn, err := mig.prepare(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cancel()
			if mig.dir == "" {
				return migrations.ApplyEmbedded(ctx, dsn, opts.logger())
			}
			return migrations.Apply(ctx, dsn, mig.dir, opts.logger())
		},
	}
	down := &cobra.Command{
		Use:   "down [STEPS]",
		Short: "Roll back the most recent migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			if mig.dir == "" {
				return errors.New("--path is required for rollback")
			}
			ctx, cancel, dsn, err := mig.prepare(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cancel()
			return migrations.Rollback(ctx, dsn, mig.dir, steps, opts.logger())
		},
	}
	cmd.AddCommand(up, down)
	return cmd
}

func (m *migrateOptions) prepare(ctx context.Context, opts *rootOptions) (context.Context, context.CancelFunc, string, error) {
	dsn := strings.TrimSpace(m.dsn)
	if dsn == "" {
		cfg, err := opts.loadConfig(ctx)
		if err != nil {
			return nil, nil, "", err
		}
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		return nil, nil, "", errors.New("--database flag is required")
	}
	timeout := m.timeout
	if timeout <= 0 {
		timeout = defaultMigrateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, dsn, nil
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", args[0], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("down steps must be > 0")
	}
	return n, nil
}
