package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/deploy"
)

var deployFlags struct {
	name            string
	objectType      string
	ddlFile         string
	stageURL        string
	expectedMD5     string
	reason          string
	expectedVersion string
	leaseID         string
	agentID         string
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a DDL object through the gateway",
	Long: `Deploy a view, procedure, or function through the deployment gateway.
The DDL comes either from a local file (--ddl-file) or a warehouse stage
(--stage-url with --md5). Pass --expected-version to fail instead of
overwriting a concurrently changed object.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, false)
		if err != nil {
			return err
		}
		defer rt.close()

		params := map[string]any{
			"type":     deployFlags.objectType,
			"name":     deployFlags.name,
			"agent_id": deployFlags.agentID,
			"reason":   deployFlags.reason,
		}
		if deployFlags.ddlFile != "" {
			ddl, err := os.ReadFile(deployFlags.ddlFile)
			if err != nil {
				return fmt.Errorf("failed to read DDL file: %w", err)
			}
			params["ddl"] = string(ddl)
		}
		if deployFlags.stageURL != "" {
			params["stage_url"] = deployFlags.stageURL
			params["expected_md5"] = deployFlags.expectedMD5
		}
		if deployFlags.expectedVersion != "" {
			params["expected_version"] = deployFlags.expectedVersion
		}
		if deployFlags.leaseID != "" {
			params["lease_id"] = deployFlags.leaseID
		}
		params["provenance"] = deployFlags.agentID

		gateway := deploy.New(rt.wh, rt.events, rt.reader, rt.logger)
		result, err := gateway.Dispatch(ctx, "deploy", params)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	f := deployCmd.Flags()
	f.StringVar(&deployFlags.name, "name", "", "Fully qualified object name")
	f.StringVar(&deployFlags.objectType, "type", "view", "Object type: view, procedure, or function")
	f.StringVar(&deployFlags.ddlFile, "ddl-file", "", "Local file holding the DDL statement")
	f.StringVar(&deployFlags.stageURL, "stage-url", "", "Warehouse stage URL holding the DDL")
	f.StringVar(&deployFlags.expectedMD5, "md5", "", "Expected MD5 of the staged file")
	f.StringVar(&deployFlags.reason, "reason", "", "Why this deployment is happening")
	f.StringVar(&deployFlags.expectedVersion, "expected-version", "", "Fail unless the current version matches")
	f.StringVar(&deployFlags.leaseID, "lease-id", "", "Namespace lease to deploy under")
	f.StringVar(&deployFlags.agentID, "agent-id", "cli", "Acting agent identity")
	_ = deployCmd.MarkFlagRequired("name")
	_ = deployCmd.MarkFlagRequired("reason")
}
