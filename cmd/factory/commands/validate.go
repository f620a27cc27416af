package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/config"
	"github.com/openfroyo/modulefactory/pkg/policy"
)

const redacted = "REDACTED"

func newValidateCommand() *cobra.Command {
	var (
		printConfig bool
		format      string
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a factory configuration",
		Long: `Validate a factory configuration file.

This command checks:
  - CUE, JSON or YAML syntax
  - Conformance to the #Factory schema
  - FACTORY_* environment overrides
  - Field constraints and cross-section rules
  - That the configured admission policies compile`,
		Example: `  # Validate the configuration named by --config
  factory validate -c factory.cue

  # Validate a file and print the effective configuration as YAML
  factory validate ./factory.yaml --print --format yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			cfg, err := loader.Load(path)
			if err != nil {
				var loadErr *config.LoadError
				if errors.As(err, &loadErr) {
					for _, e := range loadErr.Errors {
						fmt.Fprintln(os.Stderr, e.Error())
					}
				}
				return err
			}

			admission, err := policy.NewEngine(log.Logger, policy.WithData(cfg.AdmissionData()))
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := admission.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return fmt.Errorf("policy check failed: %w", err)
				}
			}

			if !printConfig {
				log.Info().
					Str("path", path).
					Str("workers", cfg.Workers.Manager).
					Int("policies", len(admission.ListPolicies())).
					Msg("Configuration is valid")
				return nil
			}

			if cfg.Server.APIToken != "" {
				cfg.Server.APIToken = redacted
			}
			out, err := config.Marshal(cfg, config.Format(format))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration")
	cmd.Flags().StringVar(&format, "format", string(config.FormatJSON), "output format for --print (json or yaml)")

	return cmd
}
