package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and revoke gateway tokens",
}

var tokenIssueFlags struct {
	username     string
	tools        []string
	maxRows      int
	dailyRuntime int
	ttl          time.Duration
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token and print it once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		token, err := rt.auth.Issue(ctx, tokenIssueFlags.username, auth.RoleTemplate{
			AllowedTools:        tokenIssueFlags.tools,
			MaxRows:             tokenIssueFlags.maxRows,
			DailyRuntimeSeconds: tokenIssueFlags.dailyRuntime,
		}, tokenIssueFlags.ttl)
		if err != nil {
			return err
		}

		// The raw token is shown exactly once; only its hash is stored.
		fmt.Println(token)
		return nil
	},
}

var tokenRevokeFlags struct {
	token  string
	all    bool
	actor  string
	reason string
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke one token, or all tokens with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		if tokenRevokeFlags.all {
			if err := rt.auth.RevokeAll(ctx, tokenRevokeFlags.actor, tokenRevokeFlags.reason); err != nil {
				return err
			}
			fmt.Println("all tokens revoked")
			return nil
		}

		if tokenRevokeFlags.token == "" {
			return fmt.Errorf("either --token or --all is required")
		}
		hash := auth.HashToken(tokenRevokeFlags.token, rt.cfg.Pepper)
		if err := rt.auth.Revoke(ctx, hash, tokenRevokeFlags.actor, tokenRevokeFlags.reason); err != nil {
			return err
		}
		fmt.Println("token revoked")
		return nil
	},
}

func init() {
	fi := tokenIssueCmd.Flags()
	fi.StringVar(&tokenIssueFlags.username, "user", "", "Username the token acts as")
	fi.StringSliceVar(&tokenIssueFlags.tools, "tools", []string{"query"}, "Allowed tools")
	fi.IntVar(&tokenIssueFlags.maxRows, "max-rows", 1000, "Row cap per query")
	fi.IntVar(&tokenIssueFlags.dailyRuntime, "daily-runtime", 3600, "Daily runtime quota in seconds")
	fi.DurationVar(&tokenIssueFlags.ttl, "ttl", 90*24*time.Hour, "Token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("user")

	fr := tokenRevokeCmd.Flags()
	fr.StringVar(&tokenRevokeFlags.token, "token", "", "Raw token to revoke")
	fr.BoolVar(&tokenRevokeFlags.all, "all", false, "Revoke every outstanding token")
	fr.StringVar(&tokenRevokeFlags.actor, "actor", "cli", "Acting identity recorded on the revocation")
	fr.StringVar(&tokenRevokeFlags.reason, "reason", "", "Why the token is being revoked")
	_ = tokenRevokeCmd.MarkFlagRequired("reason")

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}
