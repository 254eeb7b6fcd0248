// Package orchestrator implements the Containers Orchestrator named in
// §4.D: the process hosting `containers: id -> {snapshot, client?}`,
// the only component allowed to mutate that map, and the boundary that
// turns a create/bootstrap/start/stop/delete request into bundle
// writes, host service registrations, and control-channel calls against
// a per-container sandbox helper.
//
// The shape generalizes worker.go's task map + mutex + background exit
// handling (executeContainer/stopContainer, the worker's own liveness
// bookkeeping) from one-process-many-tasks to one-process-many-helper-
// processes, each reached over pkg/control instead of an in-process
// call.
package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/blockstore"
	"github.com/hyperbox/sandboxd/pkg/bundle"
	"github.com/hyperbox/sandboxd/pkg/exitmon"
	"github.com/hyperbox/sandboxd/pkg/imageref"
	"github.com/hyperbox/sandboxd/pkg/servicemgr"
	"github.com/hyperbox/sandboxd/pkg/types"

	"github.com/rs/zerolog"
)

// InitfsProvider fetches the platform init filesystem create() composes
// into a new bundle, named in §4.D but left to an external collaborator
// since unpacking it is out of scope here.
type InitfsProvider interface {
	Fetch(ctx context.Context, platform types.Platform) (path string, err error)
}

// KernelSource names the guest kernel image to copy into a new bundle's
// kernel/ directory.
type KernelSource struct {
	Path string
}

// Config wires the Orchestrator's collaborators: bundle persistence,
// the image store, the init filesystem provider, and the host service
// manager that supervises each helper process.
type Config struct {
	Root            string
	LabelPrefix     string
	HelperPath      string
	Images          imageref.Store
	Initfs          InitfsProvider
	Services        servicemgr.Manager
	ExitMonitor     *exitmon.Monitor
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

type container struct {
	mu       sync.Mutex
	snapshot types.ContainerSnapshot
	options  types.BundleOptions
	client   helperClient
	// exited guards onContainerExit against running twice: once driven
	// eagerly by a successful Stop() call, once by the exit monitor's
	// own natural delivery racing it, per §4.D's "after a successful
	// stop the orchestrator runs the common exit handler" note.
	exited bool
}

// Orchestrator is the single process-wide instance holding every known
// container.
type Orchestrator struct {
	cfg   Config
	store *bundle.Store
	log   zerolog.Logger

	mu         sync.Mutex
	containers map[string]*container

	dialHelper func(ctx context.Context, socketPath string) (helperClient, error)
}

const defaultShutdownTimeout = 5 * time.Second

// New constructs an Orchestrator and performs the §4.D boot-time scan:
// every bundle under <root>/containers/ is reloaded as stopped and its
// helper re-registered (so `system start` brings prior containers back
// as registered-but-stopped); bundles missing config.json are deleted
// and logged rather than blocking boot.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ExitMonitor == nil {
		cfg.ExitMonitor = exitmon.New()
	}

	store, err := bundle.NewStore(cfg.Root)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		log:        cfg.Logger,
		containers: make(map[string]*container),
	}
	o.dialHelper = func(ctx context.Context, socketPath string) (helperClient, error) {
		return dialHelperWithRetry(ctx, socketPath)
	}

	ids, corrupt, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		o.log.Warn().Str("id", id).Msg("deleting corrupt bundle found at boot")
		if delErr := store.Delete(id); delErr != nil {
			o.log.Error().Err(delErr).Str("id", id).Msg("failed to delete corrupt bundle")
		}
	}
	for _, id := range ids {
		config, options, loadErr := store.Load(id)
		if loadErr != nil {
			o.log.Warn().Str("id", id).Err(loadErr).Msg("deleting unreadable bundle found at boot")
			store.Delete(id) //nolint:errcheck
			continue
		}
		o.containers[id] = &container{
			snapshot: types.ContainerSnapshot{Configuration: config, Status: types.ContainerStatusStopped},
			options:  options,
		}
		if regErr := o.registerHelper(ctx, id, config); regErr != nil {
			o.log.Error().Err(regErr).Str("id", id).Msg("failed to re-register helper at boot")
		}
	}
	return o, nil
}

// List returns a point-in-time snapshot of every known container,
// making no cross-process calls.
func (o *Orchestrator) List() []types.ContainerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]types.ContainerSnapshot, 0, len(o.containers))
	for _, c := range o.containers {
		c.mu.Lock()
		out = append(out, c.snapshot)
		c.mu.Unlock()
	}
	return out
}

// withContainerList takes the orchestrator mutex and runs op against
// the live container map, so a caller inspecting or reserving entries
// (create's hostname-collision check, most notably) never races a
// concurrent create, delete, or prune.
func (o *Orchestrator) withContainerList(op func(containers map[string]*container) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return op(o.containers)
}

func (o *Orchestrator) entry(id string) (*container, error) {
	o.mu.Lock()
	c, ok := o.containers[id]
	o.mu.Unlock()
	if !ok {
		return nil, apierrors.New(apierrors.NotFound, "unknown container "+id)
	}
	return c, nil
}

func hostnameCollision(containers map[string]*container, id string, networks []types.NetworkAttachConfig) error {
	for _, n := range networks {
		if n.Hostname == "" {
			continue
		}
		for existingID, c := range containers {
			if existingID == id {
				continue
			}
			for _, existingNet := range c.snapshot.Configuration.Networks {
				if existingNet.Hostname == n.Hostname {
					return apierrors.New(apierrors.Exists, "hostname "+n.Hostname+" already in use by "+existingID)
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) registerHelper(ctx context.Context, id string, config types.ContainerConfiguration) error {
	paths := o.store.PathsFor(id)
	label := servicemgr.Label(o.cfg.LabelPrefix, config.RuntimeHandler, id)
	return o.cfg.Services.Register(ctx, servicemgr.Spec{
		Label:            label,
		Executable:       o.cfg.HelperPath,
		Args:             []string{"start", "--root", paths.Root, "--uuid", id},
		WorkingDirectory: paths.Root,
		StdoutPath:       paths.BootLog,
		StderrPath:       paths.BootLog,
	})
}

// Create registers a new container: it rejects a colliding id or
// hostname, copies in the kernel and platform init filesystem, clones
// the requested image's snapshot into the bundle's rootfs, commits the
// bundle, and registers the helper service. Any step's failure unwinds
// the bundle directory and the map reservation.
func (o *Orchestrator) Create(ctx context.Context, config types.ContainerConfiguration, kernel KernelSource, options types.BundleOptions) (types.ContainerSnapshot, error) {
	if config.ID == "" {
		return types.ContainerSnapshot{}, apierrors.New(apierrors.InvalidArgument, "container id is required")
	}

	reserveErr := o.withContainerList(func(containers map[string]*container) error {
		if _, exists := containers[config.ID]; exists {
			return apierrors.New(apierrors.Exists, "container "+config.ID+" already exists")
		}
		if err := hostnameCollision(containers, config.ID, config.Networks); err != nil {
			return err
		}
		containers[config.ID] = &container{
			snapshot: types.ContainerSnapshot{Configuration: config, Status: types.ContainerStatusStopped},
			options:  options,
		}
		return nil
	})
	if reserveErr != nil {
		return types.ContainerSnapshot{}, reserveErr
	}

	unreserve := func() {
		o.withContainerList(func(containers map[string]*container) error { //nolint:errcheck
			delete(containers, config.ID)
			return nil
		})
	}

	paths, err := o.store.Begin(config.ID)
	if err != nil {
		unreserve()
		return types.ContainerSnapshot{}, err
	}
	fail := func(err error) (types.ContainerSnapshot, error) {
		o.store.Abort(config.ID) //nolint:errcheck
		unreserve()
		return types.ContainerSnapshot{}, err
	}

	if err := copyFile(kernel.Path, filepath.Join(paths.KernelDir, filepath.Base(kernel.Path))); err != nil {
		return fail(apierrors.Wrap(apierrors.InternalError, "copy kernel image", err))
	}

	initfsPath, err := o.cfg.Initfs.Fetch(ctx, config.Platform)
	if err != nil {
		return fail(err)
	}
	if err := copyFile(initfsPath, paths.Initfs); err != nil {
		return fail(apierrors.Wrap(apierrors.InternalError, "copy init filesystem", err))
	}

	ref, err := imageref.Parse(config.Image)
	if err != nil {
		return fail(err)
	}
	platform, err := imageref.ParsePlatform(config.Platform)
	if err != nil {
		return fail(err)
	}
	snapshot, err := o.cfg.Images.GetCreateSnapshot(ctx, ref, platform)
	if err != nil {
		return fail(err)
	}
	if err := cloneRootfs(snapshot.ImagePath, paths.Rootfs); err != nil {
		return fail(err)
	}

	if err := o.store.Commit(config.ID, config, options); err != nil {
		return fail(err)
	}

	if err := o.registerHelper(ctx, config.ID, config); err != nil {
		return fail(err)
	}

	c, _ := o.entry(config.ID)
	c.mu.Lock()
	snap := c.snapshot
	c.mu.Unlock()
	return snap, nil
}

// Delete removes a container. A running container requires force,
// which sends SIGKILL with a 5s timeout before deleting; a stopping
// container is rejected outright since its helper teardown is already
// in flight.
func (o *Orchestrator) Delete(ctx context.Context, id string, force bool) error {
	c, err := o.entry(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	status := c.snapshot.Status
	client := c.client
	c.mu.Unlock()

	switch status {
	case types.ContainerStatusStopping:
		return apierrors.New(apierrors.InvalidState, "container "+id+" is stopping")
	case types.ContainerStatusRunning:
		if !force {
			return apierrors.New(apierrors.InvalidState, "container "+id+" is running, use force to delete")
		}
		if client != nil {
			killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			client.Kill(killCtx, id, 9) //nolint:errcheck
			cancel()
		}
	}

	label := servicemgr.Label(o.cfg.LabelPrefix, c.snapshot.Configuration.RuntimeHandler, id)
	if err := o.cfg.Services.Deregister(ctx, label); err != nil {
		o.log.Warn().Err(err).Str("id", id).Msg("failed to deregister helper service")
	}
	if err := o.store.Delete(id); err != nil {
		return err
	}

	return o.withContainerList(func(containers map[string]*container) error {
		delete(containers, id)
		return nil
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// cloneRootfs is a var, not a direct call, so tests can stub image
// cloning without a real sparse block image on disk.
var cloneRootfs = blockstore.Clone
