// Package servicemgr is the host service manager collaborator named in §6:
// register(label, executable, args, env), deregister(label), list(prefix).
//
// The orchestrator registers one label per sandbox helper so that the host
// supervises the helper process's lifecycle independently of the
// orchestrator's own; "system stop" iterates labels by prefix to tear them
// all down. On darwin the default implementation shells out to launchctl
// against per-user LaunchAgents, following the "com.apple.container."-style
// label convention named by the CLI option flags this daemon's own
// Non-goals exclude rendering.
package servicemgr

import (
	"context"
	"fmt"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// Spec describes one service registration.
type Spec struct {
	Label      string
	Executable string
	Args       []string
	Env        map[string]string
	// WorkingDirectory is the process's cwd, if the manager supports one.
	WorkingDirectory string
	// StdoutPath and StderrPath redirect the service's standard streams
	// to files, since a launchd agent has no attached terminal.
	StdoutPath string
	StderrPath string
}

// Manager is the narrow interface the orchestrator depends on. An
// implementation owns the bookkeeping needed to start, stop, and enumerate
// long-running helper processes outside of this daemon's own process tree.
type Manager interface {
	// Register installs and starts a service under label. Re-registering
	// an already-registered label replaces it.
	Register(ctx context.Context, spec Spec) error
	// Deregister stops and removes the service registered under label.
	// Deregistering an unknown label is not an error.
	Deregister(ctx context.Context, label string) error
	// List returns the labels of every registered service whose label
	// begins with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Label builds the "<prefix>.<runtime-handler>.<id>" label §4.D registers
// sandbox helpers under.
func Label(prefix, runtimeHandler, id string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, runtimeHandler, id)
}

func errUnsupported(op string) error {
	return apierrors.New(apierrors.Unsupported, "servicemgr: "+op+" is not supported on this platform")
}
