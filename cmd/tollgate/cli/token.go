package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Manage API tokens",
		Long:    "Issue, list, update, disable, and rotate the bearer tokens projects use to call the gateway.",
	}

	cmd.AddCommand(newTokenCreateCmd())
	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenUpdateCmd())
	cmd.AddCommand(newTokenDisableCmd())
	cmd.AddCommand(newTokenRotateCmd())

	return cmd
}

// ---------- token create ----------

func newTokenCreateCmd() *cobra.Command {
	var (
		name        string
		description string
		scopes      string
		endpoints   string
		rateLimit   int
		expiresIn   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API token",
		Long:  "Issue a token with the given scopes. The raw secret is shown once and cannot be retrieved again.",
		Example: `  tollgate token create --name "CRM sync" --scopes BILLING,SHARED --rate-limit 300
  tollgate token create --name "Cabinet" --scopes CABINET_INTELEKT --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := service.CreateTokenInput{
				DisplayName:        name,
				Description:        description,
				Scopes:             splitList(scopes),
				AllowedEndpoints:   splitList(endpoints),
				RateLimitPerMinute: rateLimit,
			}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn).UTC()
				in.ExpiresAt = &exp
			}
			return runTokenCreate(cmd, in)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&scopes, "scopes", "", "Comma-separated scopes (required): "+scopeNames())
	cmd.Flags().StringVar(&endpoints, "endpoints", "", "Comma-separated route names the token is limited to")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute (default 100)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the token after this duration")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("scopes")

	return cmd
}

func scopeNames() string {
	names := make([]string, len(model.AllScopes))
	for i, s := range model.AllScopes {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func runTokenCreate(cmd *cobra.Command, in service.CreateTokenInput) error {
	ctx := context.Background()
	svc, err := commandEnv(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	tok, raw, err := svc.tokens.Create(ctx, in, cliActor)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "API token created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  ID:         %d\n", tok.ID)
	fmt.Fprintf(out, "  Token:      %s\n", raw)
	fmt.Fprintf(out, "  Scopes:     %s\n", joinScopes(tok.Scopes))
	fmt.Fprintf(out, "  Rate limit: %d/min\n", tok.RateLimitPerMinute)
	if tok.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires:    %s\n", formatTime(tok.ExpiresAt))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this token now - it cannot be retrieved again.")
	return nil
}

func joinScopes(scopes []model.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// ---------- token list ----------

func newTokenListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runTokenList(cmd *cobra.Command, jsonOutput bool) error {
	ctx := context.Background()
	svc, err := commandEnv(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	tokens, err := svc.tokens.List(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if tokens == nil {
			tokens = []model.APIToken{}
		}
		return printJSON(out, tokens)
	}

	if len(tokens) == 0 {
		fmt.Fprintln(out, "No API tokens issued. Use 'tollgate token create' to issue one.")
		return nil
	}

	fmt.Fprintf(out, "%-6s %-12s %-24s %-28s %-8s %-7s %-20s\n", "ID", "PREFIX", "NAME", "SCOPES", "LIMIT", "ACTIVE", "LAST USED")
	fmt.Fprintf(out, "%-6s %-12s %-24s %-28s %-8s %-7s %-20s\n", "--", "------", "----", "------", "-----", "------", "---------")
	for _, t := range tokens {
		fmt.Fprintf(out, "%-6d %-12s %-24s %-28s %-8d %-7s %-20s\n",
			t.ID, t.SecretPrefix, t.DisplayName, joinScopes(t.Scopes), t.RateLimitPerMinute, yesNo(t.IsActive), formatTime(t.LastUsedAt))
	}
	return nil
}

// ---------- token update ----------

func newTokenUpdateCmd() *cobra.Command {
	var (
		name        string
		description string
		scopes      string
		endpoints   string
		rateLimit   int
		active      bool
		expiresIn   time.Duration
		noExpiry    bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a token's settings",
		Long:  "Update the flags that are given; everything else is left as it is.",
		Example: `  tollgate token update 3 --scopes BILLING,ANALYTICS
  tollgate token update 3 --rate-limit 600 --no-expiry
  tollgate token update 3 --endpoints ""   # clear the endpoint allow-list`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			var patch model.TokenPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.DisplayName = &name
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("scopes") {
				patch.Scopes = splitList(scopes)
			}
			if flags.Changed("endpoints") {
				list := splitList(endpoints)
				if list == nil {
					list = []string{}
				}
				patch.AllowedEndpoints = &list
			}
			if flags.Changed("rate-limit") {
				patch.RateLimitPerMinute = &rateLimit
			}
			if flags.Changed("active") {
				patch.IsActive = &active
			}
			if flags.Changed("expires-in") {
				exp := time.Now().Add(expiresIn).UTC()
				patch.ExpiresAt = &exp
			}
			patch.ClearExpiry = noExpiry
			return runTokenUpdate(cmd, id, patch)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&scopes, "scopes", "", "Replace scopes (comma-separated)")
	cmd.Flags().StringVar(&endpoints, "endpoints", "", "Replace the endpoint allow-list (comma-separated route names)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute")
	cmd.Flags().BoolVar(&active, "active", true, "Enable or disable the token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the token after this duration from now")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "Remove the expiry")
	cmd.MarkFlagsMutuallyExclusive("expires-in", "no-expiry")

	return cmd
}

func runTokenUpdate(cmd *cobra.Command, id int64, patch model.TokenPatch) error {
	ctx := context.Background()
	svc, err := commandEnv(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	tok, err := svc.tokens.Update(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("update token %d: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated token %d (%s): scopes=%s limit=%d/min active=%s expires=%s\n",
		tok.ID, tok.DisplayName, joinScopes(tok.Scopes), tok.RateLimitPerMinute, yesNo(tok.IsActive), formatTime(tok.ExpiresAt))
	return nil
}

// ---------- token disable ----------

func newTokenDisableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "disable <id>",
		Aliases: []string{"revoke"},
		Short:   "Disable a token",
		Long:    "Deactivate a token. Requests presenting it are rejected from the next request on.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			tok, err := svc.tokens.Disable(ctx, id)
			if err != nil {
				return fmt.Errorf("disable token %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Disabled token %d (%s)\n", tok.ID, tok.DisplayName)
			return nil
		},
	}

	return cmd
}

// ---------- token rotate ----------

func newTokenRotateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Replace a token's secret",
		Long:  "Issue a new secret for the token. The old secret stops working immediately; the new one is shown once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "token")
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, err := commandEnv(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			raw, rec, err := svc.tokens.Rotate(ctx, id, cliActor, reason)
			if err != nil {
				return fmt.Errorf("rotate token %d: %w", id, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rotated token %d at %s\n", rec.TokenID, rec.RotatedAt.UTC().Format(time.RFC3339))
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Token: %s\n", raw)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this token now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the secret is rotated (kept in the audit trail)")

	return cmd
}
