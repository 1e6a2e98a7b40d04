package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/middleware"
)

var (
	flagTokenSubject string
	flagTokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Issue a JWT for the room administration API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		token, err := middleware.IssueAdminToken(cfg.JWTSecret, flagTokenSubject, flagTokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
