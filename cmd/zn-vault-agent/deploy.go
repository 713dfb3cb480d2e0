package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/znlabs/zn-vault-agent/pkg/config"
	"github.com/znlabs/zn-vault-agent/pkg/deploy"
	"github.com/znlabs/zn-vault-agent/pkg/events"
	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/store"
	"github.com/znlabs/zn-vault-agent/pkg/types"
	"github.com/znlabs/zn-vault-agent/pkg/vault"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [target]",
	Short: "Deploy one target, or all targets, once",
	Long: `Deploy fetches, renders, and writes targets without starting the
daemon. With no argument every configured target is deployed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir
		}
		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		opts := []vault.Option{vault.WithInsecure(cfg.Insecure)}
		if cfg.TenantID != "" {
			opts = append(opts, vault.WithTenant(cfg.TenantID))
		}
		if cfg.Auth.Token != "" {
			opts = append(opts, vault.WithToken(cfg.Auth.Token))
		}
		if cfg.Auth.APIKey != "" {
			opts = append(opts, vault.WithAPIKey(cfg.Auth.APIKey))
		} else if cfg.Auth.Username != "" {
			opts = append(opts, vault.WithCredentials(cfg.Auth.Username, cfg.Auth.Password))
		}
		client := vault.NewClient(cfg.VaultURL, opts...)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		deployer := deploy.NewDeployer(client, st, broker)

		ctx := context.Background()
		var results []types.DeployResult
		var names []string

		if len(args) == 1 {
			name := args[0]
			found := false
			for i := range cfg.Targets {
				if cfg.Targets[i].Name == name {
					results = append(results, deployer.DeployCertificate(ctx, &cfg.Targets[i], force))
					names = append(names, name)
					found = true
				}
			}
			for i := range cfg.SecretTargets {
				if cfg.SecretTargets[i].Name == name {
					results = append(results, deployer.DeploySecret(ctx, &cfg.SecretTargets[i], force))
					names = append(names, name)
					found = true
				}
			}
			if !found {
				return fmt.Errorf("target not found: %s", name)
			}
		} else {
			for i := range cfg.Targets {
				results = append(results, deployer.DeployCertificate(ctx, &cfg.Targets[i], force))
				names = append(names, cfg.Targets[i].Name)
			}
			for i := range cfg.SecretTargets {
				results = append(results, deployer.DeploySecret(ctx, &cfg.SecretTargets[i], force))
				names = append(names, cfg.SecretTargets[i].Name)
			}
		}

		failed := 0
		for i, r := range results {
			if r.Success {
				fmt.Printf("✓ %s: %s\n", names[i], r.Message)
				continue
			}
			failed++
			if r.RolledBack {
				fmt.Printf("✗ %s: %s (rolled back)\n", names[i], r.Message)
			} else {
				fmt.Printf("✗ %s: %s\n", names[i], r.Message)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deploys failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().Bool("force", false, "Deploy even if content is unchanged")
}
