package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrapecore/scrapecore/internal/app"
	"github.com/scrapecore/scrapecore/internal/creds"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manages stored site credentials",
	}
	cmd.AddCommand(newAuthSetCmd())
	cmd.AddCommand(newAuthShowCmd())
	cmd.AddCommand(newAuthForgetCmd())
	return cmd
}

// credentialLabel picks the label from args, falling back to the
// configured credentials key.
func credentialLabel(a *app.App, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if key := a.Config.Auth.CredentialsKey; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no label given and auth.credentials_key is not configured")
}

func newAuthSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [label]",
		Short: "Prompts for credentials and stores them encrypted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			label, err := credentialLabel(a, args)
			if err != nil {
				return err
			}

			c, err := creds.NewTerminalPrompter().Prompt(cmd.Context(), label)
			if err != nil {
				return fmt.Errorf("read credentials: %w", err)
			}
			if c.Username == "" {
				return fmt.Errorf("username must not be empty")
			}
			if err := a.Creds.Save(label, c); err != nil {
				return fmt.Errorf("store credentials: %w", err)
			}
			cmd.Printf("Credentials for %s saved.\n", label)
			return nil
		},
	}
}

func newAuthShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [label]",
		Short: "Shows which username is stored for a label",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			label, err := credentialLabel(a, args)
			if err != nil {
				return err
			}

			c, err := a.Creds.Peek(label)
			if err != nil {
				return err
			}
			// The password never leaves the store.
			cmd.Printf("%s: username %q\n", label, c.Username)
			return nil
		},
	}
}

func newAuthForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [label]",
		Short: "Removes stored credentials for a label",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			label, err := credentialLabel(a, args)
			if err != nil {
				return err
			}

			if err := a.Creds.Forget(label); err != nil {
				return fmt.Errorf("forget credentials: %w", err)
			}
			cmd.Printf("Credentials for %s removed.\n", label)
			return nil
		},
	}
}
