package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/znlabs/zn-vault-agent/pkg/config"
	"github.com/znlabs/zn-vault-agent/pkg/store"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage configured targets",
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List targets and their sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir
		}
		st, err := store.Open(dataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(cfg.Targets) == 0 && len(cfg.SecretTargets) == 0 {
			fmt.Println("No targets configured.")
			return nil
		}

		for _, t := range cfg.Targets {
			state, _ := st.GetCertState(t.Name)
			synced := "never"
			if !state.LastSyncedAt.IsZero() {
				synced = state.LastSyncedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("certificate  %-24s %s\n", t.Name, t.CertificateID)
			fmt.Printf("             outputs: %s\n", strings.Join(outputList(t.OutputPaths), ", "))
			fmt.Printf("             last synced: %s\n", synced)
		}
		for _, t := range cfg.SecretTargets {
			state, _ := st.GetSecretState(t.Name)
			synced := "never"
			if !state.LastSyncedAt.IsZero() {
				synced = fmt.Sprintf("%s (v%d)", state.LastSyncedAt.Format("2006-01-02 15:04:05"), state.Version)
			}
			fmt.Printf("secret       %-24s %s format=%s\n", t.Name, t.SecretID, t.Format)
			fmt.Printf("             last synced: %s\n", synced)
		}
		return nil
	},
}

func outputList(paths map[types.CertComponent]string) []string {
	out := make([]string, 0, len(paths))
	for component, path := range paths {
		out = append(out, fmt.Sprintf("%s=%s", component, path))
	}
	return out
}

var targetsAddCertCmd = &cobra.Command{
	Use:   "add-cert NAME",
	Short: "Add a certificate target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		certID, _ := cmd.Flags().GetString("certificate-id")
		outputs, _ := cmd.Flags().GetStringArray("output")
		mode, _ := cmd.Flags().GetString("mode")
		reload, _ := cmd.Flags().GetStringArray("reload")

		paths := make(map[types.CertComponent]string, len(outputs))
		for _, o := range outputs {
			component, path, ok := strings.Cut(o, "=")
			if !ok {
				return fmt.Errorf("invalid --output %q, want component=path", o)
			}
			paths[types.CertComponent(component)] = path
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mgr := config.NewManager(cfg, configPath)
		if err := mgr.AddCertificateTarget(types.CertificateTarget{
			Name:          args[0],
			CertificateID: certID,
			OutputPaths:   paths,
			Mode:          mode,
			ReloadCommand: reload,
		}); err != nil {
			return err
		}
		fmt.Printf("✓ Certificate target '%s' added\n", args[0])
		return nil
	},
}

var targetsAddSecretCmd = &cobra.Command{
	Use:   "add-secret NAME",
	Short: "Add a secret target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secretID, _ := cmd.Flags().GetString("secret-id")
		formatName, _ := cmd.Flags().GetString("format")
		path, _ := cmd.Flags().GetString("path")
		prefix, _ := cmd.Flags().GetString("env-prefix")
		rawKey, _ := cmd.Flags().GetString("raw-key")
		mode, _ := cmd.Flags().GetString("mode")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mgr := config.NewManager(cfg, configPath)
		if err := mgr.AddSecretTarget(types.SecretTarget{
			Name:      args[0],
			SecretID:  secretID,
			Format:    types.OutputFormat(formatName),
			Path:      path,
			EnvPrefix: prefix,
			RawKey:    rawKey,
			Mode:      mode,
		}); err != nil {
			return err
		}
		fmt.Printf("✓ Secret target '%s' added\n", args[0])
		return nil
	},
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mgr := config.NewManager(cfg, configPath)
		if err := mgr.RemoveTarget(args[0]); err != nil {
			return err
		}

		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = defaultDataDir
		}
		if st, err := store.Open(dataDir); err == nil {
			st.DeleteTargetState(args[0])
			st.Close()
		}

		fmt.Printf("✓ Target '%s' removed\n", args[0])
		return nil
	},
}

func init() {
	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsAddCertCmd)
	targetsCmd.AddCommand(targetsAddSecretCmd)
	targetsCmd.AddCommand(targetsRemoveCmd)

	targetsAddCertCmd.Flags().String("certificate-id", "", "Certificate ID in the vault")
	targetsAddCertCmd.Flags().StringArray("output", nil, "Output mapping component=path (repeatable)")
	targetsAddCertCmd.Flags().String("mode", "", "File mode as octal string")
	targetsAddCertCmd.Flags().StringArray("reload", nil, "Reload command and arguments")
	targetsAddCertCmd.MarkFlagRequired("certificate-id")
	targetsAddCertCmd.MarkFlagRequired("output")

	targetsAddSecretCmd.Flags().String("secret-id", "", "Secret UUID or alias:path reference")
	targetsAddSecretCmd.Flags().String("format", "env", "Output format: env, json, yaml, raw, template, none")
	targetsAddSecretCmd.Flags().String("path", "", "Destination file path")
	targetsAddSecretCmd.Flags().String("env-prefix", "", "Prefix for env-format keys")
	targetsAddSecretCmd.Flags().String("raw-key", "", "Key to project for raw format")
	targetsAddSecretCmd.Flags().String("mode", "", "File mode as octal string")
	targetsAddSecretCmd.MarkFlagRequired("secret-id")
}
