package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/api"
)

var (
	// Global flags
	configPath string
	serverURL  string
	apiToken   string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "factory",
		Short: "Forensic module factory",
		Long: `The module factory builds LiME kernel modules and Volatility profiles
for the kernel of a target image on short-lived build workers.

A build request provisions a worker, dispatches the build agent to it and
parks until the agent posts a completion callback carrying its
continuation token. The worker is destroyed on every path.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FACTORY_CONFIG"), "config file path (.cue, .json or .yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("FACTORY_SERVER", "http://127.0.0.1:8080"), "factory API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("FACTORY_API_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newSignalCommand())

	return rootCmd
}

func newClient() *api.Client {
	var opts []api.ClientOption
	if apiToken != "" {
		opts = append(opts, api.WithToken(apiToken))
	}
	return api.NewClient(serverURL, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
