package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			authConfig, err := config.LoadAuth(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(authConfig.SigningSecret),
				Issuer:        authConfig.Issuer,
				Audience:      authConfig.Audience,
				TokenTTL:      authConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRead}, "Granted scopes (read, write)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
