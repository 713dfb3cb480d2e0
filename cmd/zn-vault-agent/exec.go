package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/znlabs/zn-vault-agent/pkg/log"
	"github.com/znlabs/zn-vault-agent/pkg/supervisor"
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a child process with secrets in its environment",
	Long: `Exec resolves each --env mapping against the vault, builds the child
environment, and supervises the process. Sensitive values are written
to the tmpfs secrets directory and exposed as NAME_FILE paths.

Mapping forms:
  --env DB_HOST=literal:db.local
  --env API_TOKEN=api-key:ci-deployer
  --env DB_PASSWORD=alias:prod/db.password
  --env APP_CONFIG=4f1c…a9 (secret UUID, optional .key suffix)

With --restart-on-events the agent also connects the event channel so a
redeployed secret or rotated key restarts the child with fresh values.
The child's exit code is propagated, including 128+signo for signal
deaths.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		envSpecs, _ := cmd.Flags().GetStringArray("env")
		secretsDir, _ := cmd.Flags().GetString("secrets-dir")
		restartOnEvents, _ := cmd.Flags().GetBool("restart-on-events")
		maxRestarts, _ := cmd.Flags().GetInt("max-restarts")

		envMap := make(map[string]string, len(envSpecs))
		for _, spec := range envSpecs {
			name, mapping, ok := strings.Cut(spec, "=")
			if !ok || name == "" {
				return fmt.Errorf("invalid --env mapping %q, want NAME=spec", spec)
			}
			envMap[name] = mapping
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rt, err := newRuntime(configPath, false)
		if err != nil {
			return err
		}

		if secretsDir == "" {
			secretsDir = rt.cfg.SecretsDir
		}

		sup := supervisor.New(supervisor.Options{
			Command:         args,
			Env:             envMap,
			SecretsDir:      secretsDir,
			RestartOnEvents: restartOnEvents,
			MaxRestarts:     maxRestarts,
		}, rt.client, rt.broker)

		if restartOnEvents {
			// The channel and engine feed the restart events
			rt.start(ctx)
			go rt.syncer.Run(ctx)
		}

		code, err := sup.Run(ctx)
		cancel()
		rt.shutdown()
		if err != nil {
			logger := log.WithComponent("main")
			logger.Error().Err(err).Msg("supervisor failed")
			os.Exit(1)
		}
		os.Exit(code)
		return nil
	},
}

func init() {
	execCmd.Flags().StringArray("env", nil, "Environment mapping NAME=spec (repeatable)")
	execCmd.Flags().String("secrets-dir", "", "Directory for sensitive value files (default from config)")
	execCmd.Flags().Bool("restart-on-events", false, "Restart the child when its secrets change")
	execCmd.Flags().Int("max-restarts", 5, "Restart attempts before giving up")
}
