package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noah-isme/billing-nowpayments/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		subject      string
		organization string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token scoped to an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if _, err := uuid.Parse(organization); err != nil {
				return fmt.Errorf("--org must be an organization id: %w", err)
			}
			tokens := auth.Tokens{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
			raw, err := tokens.Issue(subject, organization, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&organization, "org", "", "organization id the token is scoped to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
