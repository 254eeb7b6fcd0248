//go:build darwin

// Command sandbox-helper is the per-container process the Orchestrator
// registers with the host service manager (§4.D): one helper owns one
// Sandbox, listens on a control socket inside its own bundle directory,
// and dispatches every opcode a control connection sends it to the
// corresponding Sandbox method.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/bundle"
	"github.com/hyperbox/sandboxd/pkg/control"
	"github.com/hyperbox/sandboxd/pkg/exitmon"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/sandbox"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/vmbackend"
	"github.com/hyperbox/sandboxd/pkg/waiter"
)

const controlSocketName = "control.sock"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sandbox-helper",
	Short: "per-container sandbox helper process",
}

func init() {
	startCmd.Flags().String("root", "", "the container's bundle directory")
	startCmd.Flags().String("uuid", "", "the container id")
	startCmd.Flags().Bool("debug", false, "enable debug logging")
	startCmd.MarkFlagRequired("root") //nolint:errcheck
	startCmd.MarkFlagRequired("uuid") //nolint:errcheck
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "boot the sandbox helper and serve its control socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("root")
		id, _ := cmd.Flags().GetString("uuid")
		debug, _ := cmd.Flags().GetBool("debug")

		level := log.InfoLevel
		if debug || os.Getenv("CONTAINER_DEBUG") != "" {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		// CONTAINER_DEBUG_LAUNCHD_LABEL lets an operator attach a
		// debugger to a freshly spawned helper before it does
		// anything: while the variable is set, every helper blocks
		// here until a file named .<label>.attach appears inside its
		// bundle directory. The value is not compared with this
		// helper's own service label.
		if label := os.Getenv("CONTAINER_DEBUG_LAUNCHD_LABEL"); label != "" {
			waitForDebugger(root, label)
		}

		return run(root, id)
	},
}

func waitForDebugger(root, label string) {
	marker := filepath.Join(root, "."+label+".attach")
	for {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func run(root, id string) error {
	logger := log.WithComponent("sandbox-helper").With().Str("container", id).Logger()

	paths := bundle.Paths{
		Root:      root,
		Config:    filepath.Join(root, "config.json"),
		Options:   filepath.Join(root, "options.json"),
		KernelDir: filepath.Join(root, "kernel"),
		Rootfs:    filepath.Join(root, "rootfs"),
		Initfs:    filepath.Join(root, "initfs"),
		StdioLog:  filepath.Join(root, "stdio.log"),
		BootLog:   filepath.Join(root, "boot.log"),
	}

	var config types.ContainerConfiguration
	if err := readJSON(paths.Config, &config); err != nil {
		return err
	}
	var options types.BundleOptions
	if err := readJSON(paths.Options, &options); err != nil {
		return err
	}

	backend, err := vmbackend.Select()
	if err != nil {
		return err
	}

	kernelEntries, err := os.ReadDir(paths.KernelDir)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "read kernel directory", err)
	}
	if len(kernelEntries) == 0 {
		return apierrors.New(apierrors.InvalidState, "bundle kernel directory is empty")
	}
	kernelPath := filepath.Join(paths.KernelDir, kernelEntries[0].Name())

	sb := sandbox.New(sandbox.Config{
		ID:          id,
		Container:   config,
		Options:     options,
		Paths:       paths,
		KernelPath:  kernelPath,
		InitfsPath:  paths.Initfs,
		RootfsPath:  paths.Rootfs,
		Backend:     backend,
		ExitMonitor: exitmon.New(),
		Waiters:     waiter.New(),
		Networks:    newNetworkRegistry(appDataRoot(root)),
	})

	listener, err := control.Listen(filepath.Join(root, controlSocketName))
	if err != nil {
		return err
	}
	defer listener.Close()

	logger.Info().Msg("sandbox helper listening")
	return serveLoop(listener, sb, logger)
}

// appDataRoot recovers the daemon's app-data root (two levels up from
// <root>/containers/<id>) so the network registry can find
// <root>/networks/<name>/ alongside the container bundles.
func appDataRoot(containerRoot string) string {
	return filepath.Dir(filepath.Dir(containerRoot))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apierrors.Wrap(apierrors.InvalidArgument, "decode "+filepath.Base(path), err)
	}
	return nil
}
