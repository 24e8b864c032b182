package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "View and change runtime settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the global per-IP rate limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "global_rate_limit: %d requests/min per IP\n", svc.settings.GetGlobalLimit(ctx))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-global-limit <requests-per-minute>",
		Short: "Set the global per-IP rate limit",
		Long:  "Set the global per-IP limit. Running servers pick it up when their settings cache expires.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[0])
			if err != nil || limit <= 0 {
				return fmt.Errorf("limit must be a positive integer, got %q", args[0])
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.settings.SetGlobalLimit(ctx, limit); err != nil {
				return fmt.Errorf("set global limit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "global_rate_limit set to %d requests/min per IP\n", limit)
			return nil
		},
	})

	return cmd
}
