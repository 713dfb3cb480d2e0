package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zn-vault-agent",
	Short: "Host-resident secret and credential sync agent",
	Long: `zn-vault-agent keeps certificates and secrets on this host in sync
with the vault. It holds a single websocket open for push events, falls
back to polling, writes files atomically with rollback, and can rotate
its own API key and supervise a child process whose environment carries
secrets.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"zn-vault-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/zn-vault-agent/config.yaml", "Path to the agent config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(statusCmd)
}
