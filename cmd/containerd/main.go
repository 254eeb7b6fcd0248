//go:build darwin

// Command containerd is the API daemon named in §1: it hosts the
// Containers Orchestrator and serves its control socket at the app-data
// root for the CLI (out of scope here) and other local collaborators to
// dial into.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperbox/sandboxd/pkg/config"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/orchestrator"
	"github.com/hyperbox/sandboxd/pkg/servicemgr"
	"github.com/hyperbox/sandboxd/pkg/volume"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "containerd",
	Short: "the container manager's API daemon",
}

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "manage the daemon itself",
}

func init() {
	systemStartCmd.Flags().String("root", "", "the app-data root (containers/, images/, volumes/, networks/); defaults to $CONTAINER_APP_ROOT or the platform default")
	systemStartCmd.Flags().String("helper-path", "", "path to the sandbox-helper executable")
	systemStartCmd.MarkFlagRequired("helper-path") //nolint:errcheck

	systemCmd.AddCommand(systemStartCmd)
	rootCmd.AddCommand(systemCmd)
}

var systemStartCmd = &cobra.Command{
	Use:   "start",
	Short: "start the orchestrator and serve its control socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if root, _ := cmd.Flags().GetString("root"); root != "" {
			cfg.AppRoot = root
		}
		helperPath, _ := cmd.Flags().GetString("helper-path")

		level := log.InfoLevel
		if cfg.Debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})
		logger := log.WithComponent("containerd")

		if cfg.DebugLaunchdLabel != "" {
			logger.Debug().Str("label", cfg.DebugLaunchdLabel).Msg("CONTAINER_DEBUG_LAUNCHD_LABEL set; helper spawns will block for debugger attach")
		}

		services, err := servicemgr.NewLaunchdManager()
		if err != nil {
			return err
		}

		volumes, err := volume.NewStore(cfg.AppRoot)
		if err != nil {
			return err
		}

		ctx := context.Background()
		o, err := orchestrator.New(ctx, orchestrator.Config{
			Root:            cfg.AppRoot,
			LabelPrefix:     cfg.LabelPrefix,
			HelperPath:      helperPath,
			Images:          newLocalImageStore(cfg.AppRoot),
			Initfs:          newLocalInitfsProvider(cfg.AppRoot),
			Services:        services,
			ShutdownTimeout: 5 * time.Second,
			Logger:          logger,
		})
		if err != nil {
			return err
		}

		logger.Info().Str("root", cfg.AppRoot).Msg("orchestrator started")
		return serveControl(ctx, cfg.AppRoot, o, volumes, logger)
	},
}
