package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

func newSecurityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Query the Security Center",
		Long:  "Aggregate recorded security events into suspicious IPs and failed-attempt rankings.",
	}

	cmd.AddCommand(newSecuritySuspiciousCmd())
	cmd.AddCommand(newSecurityFailedCmd())

	return cmd
}

func newSecuritySuspiciousCmd() *cobra.Command {
	var (
		days       int
		level      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "suspicious",
		Short: "List suspicious client IPs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			days = service.ClampDays(days)
			ips, err := svc.security.QuerySuspicious(ctx, days)
			if err != nil {
				return fmt.Errorf("query suspicious: %w", err)
			}
			if level != "" {
				want := model.ThreatLevel(strings.ToUpper(level))
				filtered := ips[:0]
				for _, ip := range ips {
					if ip.ThreatLevel == want {
						filtered = append(filtered, ip)
					}
				}
				ips = filtered
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, ips)
			}
			if len(ips) == 0 {
				fmt.Fprintf(out, "No suspicious activity in the last %d days.\n", days)
				return nil
			}
			fmt.Fprintf(out, "%-40s %-7s %-7s %-8s %-22s %s\n", "IP", "EVENTS", "TYPES", "LEVEL", "LAST SEEN", "BLOCKED")
			fmt.Fprintf(out, "%-40s %-7s %-7s %-8s %-22s %s\n", "--", "------", "-----", "-----", "---------", "-------")
			for _, ip := range ips {
				last := ip.LastSeen
				fmt.Fprintf(out, "%-40s %-7d %-7d %-8s %-22s %s\n",
					ip.IPAddress, ip.EventCount, ip.DistinctTypes, ip.ThreatLevel, formatTime(&last), yesNo(ip.Blocked))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", service.DefaultQueryDays, "Trailing window in days (max 90)")
	cmd.Flags().StringVar(&level, "level", "", "Only show IPs at this threat level (LOW, MEDIUM, HIGH)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newSecurityFailedCmd() *cobra.Command {
	var (
		days       int
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Rank IPs by failed token authentications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			days = service.ClampDays(days)
			attempts, err := svc.security.QueryFailedAttempts(ctx, days, limit)
			if err != nil {
				return fmt.Errorf("query failed attempts: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, attempts)
			}
			if len(attempts) == 0 {
				fmt.Fprintf(out, "No failed authentications in the last %d days.\n", days)
				return nil
			}
			fmt.Fprintf(out, "%-40s %-9s %s\n", "IP", "ATTEMPTS", "LAST ATTEMPT")
			fmt.Fprintf(out, "%-40s %-9s %s\n", "--", "--------", "------------")
			for _, a := range attempts {
				last := a.LastAttempt
				fmt.Fprintf(out, "%-40s %-9d %s\n", a.IPAddress, a.Attempts, formatTime(&last))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", service.DefaultQueryDays, "Trailing window in days (max 90)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of IPs")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
