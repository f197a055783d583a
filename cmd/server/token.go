package main

import (
	"fmt"
	"time"

	"github.com/npezzotti/lightning-chat/internal/auth"
	"github.com/npezzotti/lightning-chat/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCommand mints a bearer token with the server's signing key for
// local development.
func newTokenCommand(v *viper.Viper) *cobra.Command {
	var (
		userId int64
		name   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userId <= 0 {
				return fmt.Errorf("--user-id must be positive")
			}

			key, err := config.LoadSigningKey(v)
			if err != nil {
				return err
			}

			token, err := auth.NewJWTVerifier(key).CreateToken(userId, name, ttl)
			if err != nil {
				return fmt.Errorf("create token: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().Int64Var(&userId, "user-id", 0, "user id carried in the token")
	cmd.Flags().StringVar(&name, "name", "", "display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
