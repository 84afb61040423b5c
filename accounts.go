package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/MEMOxiiii/odonata-bridge/internal/config"
	"github.com/MEMOxiiii/odonata-bridge/internal/httpx"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// ─── accounts ─────────────────────────────────────────────────────────────────

func newAccountsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the Microsoft accounts used to log in to the origin server",
	}
	cmd.AddCommand(newAccountsAddCmd(f), newAccountsRemoveCmd(f), newAccountsListCmd(f))
	return cmd
}

// accountsPath resolves the accounts file: the flag, then the config file,
// then the default.
func accountsPath(f *rootFlags) (string, error) {
	if f.accountsFile != "" {
		return f.accountsFile, nil
	}
	if f.configPath == "" {
		return config.DefaultAccountsFile, nil
	}
	cfg, err := config.Load(f.configPath, f.overrides())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.AccountsFile, nil
}

func openAccounts(f *rootFlags) (*account.Table, error) {
	path, err := accountsPath(f)
	if err != nil {
		return nil, initFailure(err)
	}
	t, err := account.Load(path)
	if err != nil {
		return nil, initFailure(err)
	}
	return t, nil
}

func newAccountsAddCmd(f *rootFlags) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Sign in with a Microsoft account and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts, err := openAccounts(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this page, sign in, and paste the code or the URL you were redirected to:")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  "+auth.AuthorizeURL())
			fmt.Fprintln(out)
			fmt.Fprint(out, "> ")

			input, err := readLine(cmd.InOrStdin())
			if err != nil {
				return runtimeFailure(fmt.Errorf("read authorization code: %w", err))
			}
			code, err := auth.ParseAuthCode(input)
			if err != nil {
				return runtimeFailure(err)
			}

			authn := auth.New(httpx.New(httpTimeout))
			ctx := cmd.Context()
			cred, err := authn.Login(ctx, auth.GrantAuthorizationCode, code)
			if err != nil {
				return runtimeFailure(err)
			}
			profile, err := authn.Profile(ctx, cred)
			if err != nil {
				return runtimeFailure(err)
			}

			err = accounts.Add(&account.Profile{
				Username:   profile.Name,
				ID:         profile.ID,
				Credential: cred,
			}, replace)
			if err != nil {
				return runtimeFailure(err)
			}
			fmt.Fprintf(out, "Added %s (%s) to %s\n", profile.Name, profile.ID, accounts.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Overwrite an existing account with the same username")
	return cmd
}

func newAccountsRemoveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove a stored account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := openAccounts(f)
			if err != nil {
				return err
			}
			removed, err := accounts.Remove(args[0])
			if err != nil {
				return runtimeFailure(err)
			}
			if !removed {
				return runtimeFailure(fmt.Errorf("no account named %q", args[0]))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newAccountsListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts, err := openAccounts(f)
			if err != nil {
				return err
			}
			printAccounts(cmd.OutOrStdout(), accounts.Profiles(), time.Now())
			return nil
		},
	}
}

// printAccounts renders profiles as a table.
func printAccounts(w io.Writer, profiles []*account.Profile, now time.Time) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Username", "UUID", "Auth", "Expires"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range profiles {
		expires := "-"
		if p.Credential != nil {
			expires = p.Credential.ExpiresAt.Local().Format(time.DateTime)
			if p.Credential.Expired(now) {
				expires += " (expired)"
			}
		}
		tw.Append([]string{p.Username, p.ID.String(), auth.KindMSA, expires})
	}
	tw.Render()
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
