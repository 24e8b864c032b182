package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/model"
)

func newIPRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "iprule",
		Aliases: []string{"ip-rule"},
		Short:   "Manage per-token IP whitelists and blacklists",
		Long: `Manage the IP rules of a token. A blacklisted IP is always rejected. Once a token
has any whitelist entry, only whitelisted IPs are admitted.`,
	}

	cmd.AddCommand(newIPRuleAddCmd())
	cmd.AddCommand(newIPRuleListCmd())
	cmd.AddCommand(newIPRuleRemoveCmd())

	return cmd
}

// ---------- iprule add ----------

func newIPRuleAddCmd() *cobra.Command {
	var (
		ruleType    string
		description string
	)

	cmd := &cobra.Command{
		Use:   "add <token-id> <ip>",
		Short: "Add an IP rule to a token",
		Example: `  tollgate iprule add 3 10.0.0.5 --type whitelist --description "office NAT"
  tollgate iprule add 3 203.0.113.9 --type blacklist`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			typ := model.IPRuleType(strings.ToUpper(ruleType))
			if !typ.Valid() {
				return fmt.Errorf("invalid rule type %q: use whitelist or blacklist", ruleType)
			}

			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			rule, err := svc.ipRules.AddRule(ctx, tokenID, typ, args[1], description)
			if err != nil {
				return fmt.Errorf("add ip rule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s rule %d for %s on token %d\n",
				strings.ToLower(string(rule.Type)), rule.ID, rule.IPAddress, rule.TokenID)
			return nil
		},
	}

	cmd.Flags().StringVar(&ruleType, "type", "whitelist", "Rule type: whitelist or blacklist")
	cmd.Flags().StringVar(&description, "description", "", "Why the rule exists")

	return cmd
}

// ---------- iprule list ----------

func newIPRuleListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list <token-id>",
		Aliases: []string{"ls"},
		Short:   "List a token's IP rules",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			rules, err := svc.ipRules.ListRules(ctx, tokenID)
			if err != nil {
				return fmt.Errorf("list ip rules: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if rules == nil {
					rules = []model.IPRule{}
				}
				return printJSON(out, rules)
			}
			if len(rules) == 0 {
				fmt.Fprintf(out, "Token %d has no IP rules; every IP is admitted.\n", tokenID)
				return nil
			}
			fmt.Fprintf(out, "%-6s %-10s %-40s %s\n", "ID", "TYPE", "IP", "DESCRIPTION")
			fmt.Fprintf(out, "%-6s %-10s %-40s %s\n", "--", "----", "--", "-----------")
			for _, r := range rules {
				fmt.Fprintf(out, "%-6d %-10s %-40s %s\n", r.ID, r.Type, r.IPAddress, r.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- iprule remove ----------

func newIPRuleRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <token-id> <rule-id>",
		Aliases: []string{"rm"},
		Short:   "Remove an IP rule",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenID, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			ruleID, err := parseID(args[1], "rule")
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.ipRules.RemoveRule(ctx, tokenID, ruleID); err != nil {
				return fmt.Errorf("remove ip rule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed rule %d from token %d\n", ruleID, tokenID)
			return nil
		},
	}

	return cmd
}
