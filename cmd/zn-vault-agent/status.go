package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/znlabs/zn-vault-agent/pkg/config"
	"github.com/znlabs/zn-vault-agent/pkg/store"
	"github.com/znlabs/zn-vault-agent/pkg/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault reachability and target sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Printf("Vault:    %s\n", cfg.VaultURL)
		if err := client.CheckHealth(ctx); err != nil {
			fmt.Printf("Health:   unreachable (%v)\n", err)
		} else {
			fmt.Println("Health:   ok")
		}

		if cfg.ManagedKeyEnabled() {
			fmt.Printf("Auth:     managed key %q\n", cfg.ManagedKey.Name)
			if cfg.ManagedKey.NextRotationAt != nil {
				fmt.Printf("          next rotation %s\n", cfg.ManagedKey.NextRotationAt.Format(time.RFC3339))
			}
		} else if cfg.Auth.APIKey != "" {
			fmt.Println("Auth:     static API key")
		} else {
			fmt.Printf("Auth:     username %q\n", cfg.Auth.Username)
		}

		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir
		}
		st, err := store.Open(dataDir)
		if err != nil {
			fmt.Printf("State:    unavailable (%v)\n", err)
			return nil
		}
		defer st.Close()

		fmt.Printf("Targets:  %d certificate, %d secret\n", len(cfg.Targets), len(cfg.SecretTargets))
		for _, t := range cfg.Targets {
			state, _ := st.GetCertState(t.Name)
			if state.LastSyncedAt.IsZero() {
				fmt.Printf("  %-24s never synced\n", t.Name)
				continue
			}
			fmt.Printf("  %-24s synced %s\n", t.Name, state.LastSyncedAt.Format(time.RFC3339))
		}
		for _, t := range cfg.SecretTargets {
			state, _ := st.GetSecretState(t.Name)
			if state.LastSyncedAt.IsZero() {
				fmt.Printf("  %-24s never synced\n", t.Name)
				continue
			}
			fmt.Printf("  %-24s synced %s (v%d)\n", t.Name, state.LastSyncedAt.Format(time.RFC3339), state.Version)
		}
		return nil
	},
}
