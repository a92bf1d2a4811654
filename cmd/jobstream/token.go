package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnibrowser/jobstream/internal/gateway"
)

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <owner>",
		Short: "Issue a signed bearer token for an owner.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("jwt_secret is not configured")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.JWTTTL
			}
			if ttl <= 0 {
				return errors.New("ttl must be positive")
			}
			token, err := gateway.NewJWTAuthenticator(a.cfg.JWTSecret).IssueToken(args[0], ttl, nil)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", gateway.DefaultTokenTTL, "token lifetime (default from jwt_ttl)")
	return cmd
}
