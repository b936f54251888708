package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/internal/auth"
	"github.com/mcdev12/rollcall/go/internal/config"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	UserID   string
	TenantID string
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		Long: `Issue an access token signed with the configured JWT secret. The token
is printed to stdout and is intended for development and for the client
commands of this CLI.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.UserID == "" || opts.TenantID == "" {
				return errors.New("--user and --tenant are required")
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, nil)
			token, err := tokens.Issue(opts.UserID, opts.TenantID)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant (church) id")

	return cmd
}
