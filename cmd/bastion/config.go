package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/bastion/internal/infra/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit the application configuration",
	}
	cmd.AddCommand(newConfigShowCommand(opts), newConfigVenueCommand(opts))
	return cmd
}

func newConfigShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.openConfigStore(cmd.Context())
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), store.Snapshot())
		},
	}
}

func newConfigVenueCommand(opts *rootOptions) *cobra.Command {
	var enable, disable bool
	cmd := &cobra.Command{
		Use:   "venue NAME",
		Short: "Enable or disable a configured venue and save the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable == disable {
				return fmt.Errorf("exactly one of --enable or --disable is required")
			}
			store, err := opts.openConfigStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := setVenueEnabled(store, args[0], enable); err != nil {
				return err
			}
			state := "disabled"
			if enable {
				state = "enabled"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "venue %s %s\n", strings.ToLower(strings.TrimSpace(args[0])), state)
			return err
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the venue")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the venue")
	return cmd
}

// openConfigStore loads the configuration file into a store that writes every
// accepted change back to the same file.
func (o *rootOptions) openConfigStore(ctx context.Context) (*config.AppConfigStore, error) {
	path := resolveConfigPath(o.configPath)
	cfg, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := config.NewAppConfigStore(cfg, func(updated config.AppConfig) error {
		return updated.Save(path)
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store, nil
}

func setVenueEnabled(store *config.AppConfigStore, name string, enabled bool) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := store.Snapshot().Venues[name]; !ok {
		return fmt.Errorf("venue %q is not configured", name)
	}
	if err := store.Update(func(cfg *config.AppConfig) {
		v := cfg.Venues[name]
		v.Enabled = enabled
		cfg.Venues[name] = v
	}); err != nil {
		return fmt.Errorf("update venue %s: %w", name, err)
	}
	return nil
}

func writeConfig(out io.Writer, cfg config.AppConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = out.Write(raw)
	return err
}
