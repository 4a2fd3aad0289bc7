package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pscheid92/pulsehub/internal/platform/version"
)

type globalOptions struct {
	serverURL string
	token     string
	timeout   time.Duration
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.serverURL, o.token, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "hubctl",
		Short:        "Operate a pulsehub instance",
		Long:         "hubctl issues connection tokens and calls the hub's HTTP API to manage sessions, publish metrics and read statistics.",
		Version:      version.Get().String(),
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("PULSEHUB_URL", "http://localhost:8080"), "Base URL of the hub")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("PULSEHUB_TOKEN"), "Bearer token for API calls")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newTokenCmd(),
		newStatsCmd(opts),
		newPublishCmd(opts),
		newBenchmarkCmd(opts),
		newSessionCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
