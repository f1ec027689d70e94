package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"postify/internal/app"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant credentials",
	}
	cmd.AddCommand(
		newTenantAddCmd(),
		newTenantSetTokenCmd(),
		newTenantDisableCmd(),
		newTenantListCmd(),
	)
	return cmd
}

// readToken prefers the flag value, then POSTIFY_TENANT_TOKEN, then the
// first line of stdin. Tokens on the command line end up in shell history.
func readToken(cmd *cobra.Command, flagValue string) (string, error) {
	if t := strings.TrimSpace(flagValue); t != "" {
		return t, nil
	}
	if t := strings.TrimSpace(os.Getenv("POSTIFY_TENANT_TOKEN")); t != "" {
		return t, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if t := strings.TrimSpace(line); t != "" {
		return t, nil
	}
	if err != nil {
		return "", fmt.Errorf("read token from stdin: %w", err)
	}
	return "", errors.New("no token given")
}

func newTenantAddCmd() *cobra.Command {
	var name, timezone, token string
	cmd := &cobra.Command{
		Use:   "add <tenant_id>",
		Short: "Register a tenant and its bot token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := readToken(cmd, token)
			if err != nil {
				return err
			}
			return withTools(cmd.Context(), func(t *app.Tools) error {
				if err := t.AddTenant(cmd.Context(), args[0], name, timezone, tok); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s added.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone for schedule expressions")
	cmd.Flags().StringVar(&token, "token", "", "bot token (default: POSTIFY_TENANT_TOKEN or stdin)")
	return cmd
}

func newTenantSetTokenCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "set-token <tenant_id>",
		Short: "Replace a tenant's bot token and re-activate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := readToken(cmd, token)
			if err != nil {
				return err
			}
			return withTools(cmd.Context(), func(t *app.Tools) error {
				if err := t.SetToken(cmd.Context(), args[0], tok); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s re-activated.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bot token (default: POSTIFY_TENANT_TOKEN or stdin)")
	return cmd
}

func newTenantDisableCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable <tenant_id>",
		Short: "Disable a tenant; its connection is released on the next reconcile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTools(cmd.Context(), func(t *app.Tools) error {
				if err := t.DisableTenant(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s disabled.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "disabled by operator", "reason stored with the tenant")
	return cmd
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTools(cmd.Context(), func(t *app.Tools) error {
				tenants, err := t.ListTenants(cmd.Context())
				if err != nil {
					return err
				}
				if len(tenants) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tenants found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTIMEZONE\tLAST ERROR")
				for _, tn := range tenants {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", tn.ID, tn.Name, tn.Status, tn.Timezone, tn.LastError)
				}
				return w.Flush()
			})
		},
	}
}
