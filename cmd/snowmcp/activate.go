package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/auth"
)

var activateFlags struct {
	username     string
	tools        []string
	maxRows      int
	dailyRuntime int
	expiry       time.Duration
}

var activateURLCmd = &cobra.Command{
	Use:   "activate-url",
	Short: "Create a single-use activation link for a user",
	Long: `Create a single-use activation code and print the URL to hand to the
user. Opening the link exchanges the code for a token exactly once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		code, err := rt.auth.CreateActivation(ctx, activateFlags.username, auth.RoleTemplate{
			AllowedTools:        activateFlags.tools,
			MaxRows:             activateFlags.maxRows,
			DailyRuntimeSeconds: activateFlags.dailyRuntime,
		}, activateFlags.expiry)
		if err != nil {
			return err
		}

		fmt.Printf("%s/activate/%s\n", rt.cfg.ActivationBaseURL, code)
		return nil
	},
}

func init() {
	f := activateURLCmd.Flags()
	f.StringVar(&activateFlags.username, "user", "", "Username the activation is for")
	f.StringSliceVar(&activateFlags.tools, "tools", []string{"query"}, "Allowed tools on the issued token")
	f.IntVar(&activateFlags.maxRows, "max-rows", 1000, "Row cap per query")
	f.IntVar(&activateFlags.dailyRuntime, "daily-runtime", 3600, "Daily runtime quota in seconds")
	f.DurationVar(&activateFlags.expiry, "expiry", 15*time.Minute, "How long the code stays valid")
	_ = activateURLCmd.MarkFlagRequired("user")
}
