package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/model"
)

func newBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Manage the global IP blocklist",
		Long:  "Blocked IPs are rejected on every gateway route, public routes included.",
	}

	cmd.AddCommand(newBlockAddCmd())
	cmd.AddCommand(newBlockListCmd())
	cmd.AddCommand(newBlockRemoveCmd())

	return cmd
}

func newBlockAddCmd() *cobra.Command {
	var (
		reason string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <ip>",
		Short: "Block an IP",
		Example: `  tollgate block add 203.0.113.9 --reason "credential stuffing" --ttl 24h
  tollgate block add 2001:db8::1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl < 0 {
				return fmt.Errorf("ttl must not be negative")
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			b, err := svc.ipRules.Block(ctx, args[0], reason, cliActor, ttl)
			if err != nil {
				return fmt.Errorf("block %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s until %s\n", b.IPAddress, untilString(b.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the IP is blocked")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Block duration (default: permanent)")

	return cmd
}

func untilString(t *time.Time) string {
	if t == nil {
		return "removed"
	}
	return formatTime(t)
}

func newBlockListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List blocked IPs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			blocks, err := svc.ipRules.ListBlocks(ctx)
			if err != nil {
				return fmt.Errorf("list blocks: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if blocks == nil {
					blocks = []model.BlockedIP{}
				}
				return printJSON(out, blocks)
			}
			if len(blocks) == 0 {
				fmt.Fprintln(out, "No blocked IPs.")
				return nil
			}
			fmt.Fprintf(out, "%-40s %-12s %-22s %s\n", "IP", "BY", "EXPIRES", "REASON")
			fmt.Fprintf(out, "%-40s %-12s %-22s %s\n", "--", "--", "-------", "------")
			for _, b := range blocks {
				fmt.Fprintf(out, "%-40s %-12s %-22s %s\n", b.IPAddress, b.BlockedBy, formatTime(b.ExpiresAt), b.Reason)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newBlockRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <ip>",
		Aliases: []string{"rm"},
		Short:   "Unblock an IP",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.ipRules.Unblock(ctx, args[0]); err != nil {
				return fmt.Errorf("unblock %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", args[0])
			return nil
		},
	}

	return cmd
}
