package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pscheid92/pulsehub/internal/domain"
)

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print hub counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats domain.Stats
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func newPublishCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish TOPIC VALUE",
		Short: "Publish a metric value on a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("value %q is not a number", args[1])
			}

			var resp struct {
				AlertsFired int `json:"alerts_fired"`
			}
			body := map[string]any{"topic": args[0], "value": value}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/metrics", body, &resp); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %s=%g, %d alert(s) fired\n", args[0], value, resp.AlertsFired)
			return err
		},
	}
}

func newBenchmarkCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "benchmark TOPIC JSON",
		Short: "Broadcast a benchmark payload to a topic's subscribers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}

			var resp struct {
				Recipients int `json:"recipients"`
			}
			body := map[string]any{"topic": args[0], "data": json.RawMessage(args[1])}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/benchmarks", body, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d connection(s)\n", resp.Recipients)
			return err
		},
	}
}

func newSessionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and change sessions",
	}

	var (
		maxParticipants int
		expiresIn       string
	)
	create := &cobra.Command{
		Use:   "create KIND",
		Short: "Create a session owned by the token's user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"kind": args[0]}
			if maxParticipants > 0 {
				body["max_participants"] = maxParticipants
			}
			if expiresIn != "" {
				body["expires_in"] = expiresIn
			}

			var session domain.Session
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/sessions", body, &session); err != nil {
				return err
			}
			return printJSON(cmd, session)
		},
	}
	create.Flags().IntVar(&maxParticipants, "max-participants", 0, "Participant cap (server default when 0)")
	create.Flags().StringVar(&expiresIn, "expires-in", "", "Expiry horizon such as 90m (server default when empty)")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Print a session snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var session domain.Session
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/sessions/"+args[0], nil, &session); err != nil {
				return err
			}
			return printJSON(cmd, session)
		},
	}

	cmd.AddCommand(create, get,
		statusCmd(opts, "pause", "Pause an active session"),
		statusCmd(opts, "resume", "Resume a paused session"),
		statusCmd(opts, "close", "Complete a session"),
	)
	return cmd
}

func statusCmd(opts *globalOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status domain.Status `json:"status"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/sessions/"+args[0]+"/"+action, nil, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "session %s is now %s\n", args[0], resp.Status)
			return err
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
