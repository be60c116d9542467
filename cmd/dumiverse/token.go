package main

import (
	"errors"
	"fmt"

	"github.com/bhandras/dumiverse/internal/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a client",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if v.GetBool("new-secret") {
				secret, err := crypto.NewSecret(32)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, secret)
				return err
			}

			secret := v.GetString("auth-secret")
			if secret == "" {
				return errors.New("--auth-secret (or DUMIVERSE_AUTH_SECRET) is required")
			}
			jwtManager, err := crypto.NewJWTManager([]byte(secret))
			if err != nil {
				return err
			}
			token, err := jwtManager.GenerateToken(v.GetString("subject"), v.GetDuration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("auth-secret", "", "signing secret shared with the server")
	flags.String("subject", "", "client name embedded in the token")
	flags.Duration("ttl", 0, "token lifetime, 0 never expires")
	flags.Bool("new-secret", false, "print a random signing secret instead of a token")
	return cmd
}
