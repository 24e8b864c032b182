package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tollgate/tollgate/internal/model"
	"github.com/tollgate/tollgate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage operator accounts",
		Long:  "Create and list the operators who sign in to the system API and dashboard.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operator account",
		Example: `  tollgate admin create --email noc@example.net --password secret123
  tollgate admin create --email noc@example.net  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(cmd, email, password, name)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Operator email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runAdminCreate(cmd *cobra.Command, email, password, name string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}

	// Prompt for password if not provided
	if password == "" {
		fmt.Print("Password: ")
		pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		password = string(pwBytes)

		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Println()

		if password != string(confirmBytes) {
			return fmt.Errorf("passwords do not match")
		}
	}

	ctx := context.Background()
	svc, err := commandEnv(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	// The signing secret is irrelevant for account creation.
	authSvc := service.NewAuthService(svc.store, "")
	hasAdmin, err := svc.store.HasAnyAdmin(ctx)
	if err != nil {
		return fmt.Errorf("check admins: %w", err)
	}
	admin, err := authSvc.CreateAdmin(ctx, email, name, password, !hasAdmin)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created operator %q (id %d)\n", admin.Email, admin.ID)
	return nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(cmd *cobra.Command, jsonOutput bool) error {
	ctx := context.Background()
	svc, err := commandEnv(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	admins, err := svc.store.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if admins == nil {
			admins = []model.Admin{}
		}
		return printJSON(out, admins)
	}

	if len(admins) == 0 {
		fmt.Fprintln(out, "No operator accounts. Use 'tollgate admin create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-30s %-24s %-8s %-20s\n", "EMAIL", "NAME", "ACTIVE", "LAST LOGIN")
	fmt.Fprintf(out, "%-30s %-24s %-8s %-20s\n", "-----", "----", "------", "----------")
	for _, a := range admins {
		fmt.Fprintf(out, "%-30s %-24s %-8s %-20s\n", a.Email, a.Name, yesNo(a.IsActive), formatTime(a.LastLoginAt))
	}

	return nil
}
