package orchestrator

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/diskusage"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// controlSocketName is the file a helper listens on inside its own
// bundle directory, the convention cmd/sandbox-helper binds to at
// startup and dialHelperWithRetry connects to here.
const controlSocketName = "control.sock"

func (o *Orchestrator) socketPath(id string) string {
	return o.store.PathsFor(id).Root + "/" + controlSocketName
}

// Bootstrap opens a control channel to id's helper, hands it stdio, and
// arms the common exit handler described in §4.D: (a) stop exit-monitor
// tracking, (b) issue shutdown to the helper, (c) mark the snapshot
// stopped, (d) honour autoRemove. Bootstrap is not idempotent: a
// booted/running container returns invalidState (§9 open question ii).
func (o *Orchestrator) Bootstrap(ctx context.Context, id string, stdio StdIO) error {
	c, err := o.entry(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.snapshot.Status != types.ContainerStatusStopped {
		c.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "bootstrap is only valid on a stopped container")
	}
	c.mu.Unlock()

	client, err := o.dialHelper(ctx, o.socketPath(id))
	if err != nil {
		return err
	}

	if err := client.Bootstrap(ctx, stdio); err != nil {
		client.Close() //nolint:errcheck
		o.runCleanup(context.Background(), id, c)
		return err
	}

	c.mu.Lock()
	c.client = client
	c.exited = false
	c.mu.Unlock()

	return o.cfg.ExitMonitor.RegisterProcess(id, func(id string, status types.ExitStatus) {
		o.onContainerExit(id)
	})
}

// onContainerExit is the common exit handler named in §4.D, fired
// exactly once whether the init process exited naturally or stop()
// drove it to exit.
func (o *Orchestrator) onContainerExit(id string) {
	o.cfg.ExitMonitor.StopTracking(id)

	c, err := o.entry(id)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	client := c.client
	c.client = nil
	c.snapshot.Status = types.ContainerStatusStopped
	autoRemove := c.options.AutoRemove
	c.mu.Unlock()

	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
		client.Shutdown(shutdownCtx) //nolint:errcheck
		cancel()
		client.Close() //nolint:errcheck
	}

	if autoRemove {
		if err := o.Delete(context.Background(), id, true); err != nil {
			o.log.Warn().Err(err).Str("id", id).Msg("auto-remove delete failed")
		}
	}
}

func (o *Orchestrator) runCleanup(ctx context.Context, id string, c *container) {
	c.mu.Lock()
	c.client = nil
	c.exited = true
	c.snapshot.Status = types.ContainerStatusStopped
	autoRemove := c.options.AutoRemove
	c.mu.Unlock()

	if autoRemove {
		o.Delete(ctx, id, true) //nolint:errcheck
	}
}

// StartProcess starts id's init process (if processID equals id) or an
// already-created exec process. Starting init on an already-running
// container is a no-op. Starting init registers the container-wide
// wait and updates the snapshot to running with the attachments the
// helper reports back.
func (o *Orchestrator) StartProcess(ctx context.Context, id, processID string) error {
	c, err := o.entry(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if processID == id && c.snapshot.Status == types.ContainerStatusRunning {
		c.mu.Unlock()
		return nil
	}
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return apierrors.New(apierrors.InvalidState, "container "+id+" has not been bootstrapped")
	}

	if err := client.StartProcess(ctx, processID); err != nil {
		return err
	}
	if processID != id {
		return nil
	}

	status, networks, err := client.State(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot.Status = status
	c.snapshot.Networks = networks
	c.snapshot.StartedDate = time.Now()
	c.mu.Unlock()

	o.cfg.ExitMonitor.Track(id, func(ctx context.Context) (types.ExitStatus, error) {
		return client.Wait(ctx, id)
	})
	return nil
}

func (o *Orchestrator) client(id string) (*container, helperClient, error) {
	c, err := o.entry(id)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, nil, apierrors.New(apierrors.InvalidState, "container "+id+" has not been bootstrapped")
	}
	return c, client, nil
}

// CreateProcess forwards to the helper, recording nothing locally: the
// helper owns exec process bookkeeping entirely.
func (o *Orchestrator) CreateProcess(ctx context.Context, id, processID string, spec types.ProcessSpec, stdio StdIO) error {
	_, client, err := o.client(id)
	if err != nil {
		return err
	}
	return client.CreateProcess(ctx, processID, spec, stdio)
}

// Kill forwards a signal to init or a named exec process.
func (o *Orchestrator) Kill(ctx context.Context, id, processID string, signal int) error {
	_, client, err := o.client(id)
	if err != nil {
		return err
	}
	return client.Kill(ctx, processID, signal)
}

// Stop is idempotent: a second call on an already-stopped container
// succeeds without contacting the helper. After a successful forwarded
// stop, the common exit handler runs directly so auto-remove still
// fires even if the helper's own exit-monitor delivery raced the
// control reply.
func (o *Orchestrator) Stop(ctx context.Context, id string, signal int, timeout time.Duration) error {
	c, err := o.entry(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	status := c.snapshot.Status
	client := c.client
	c.mu.Unlock()

	if status == types.ContainerStatusStopped {
		return nil
	}
	if client == nil {
		return apierrors.New(apierrors.InvalidState, "container "+id+" has not been bootstrapped")
	}

	if err := client.Stop(ctx, signal, timeout); err != nil {
		return err
	}
	o.onContainerExit(id)
	return nil
}

// Dial forwards to the helper, which returns a locally-spliced socket
// carrying the guest's published stream.
func (o *Orchestrator) Dial(ctx context.Context, id string, port uint32) (net.Conn, error) {
	_, client, err := o.client(id)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, port)
}

// Wait blocks until id's process (init or an exec id) exits.
func (o *Orchestrator) Wait(ctx context.Context, id, processID string) (types.ExitStatus, error) {
	_, client, err := o.client(id)
	if err != nil {
		return types.ExitStatus{}, err
	}
	return client.Wait(ctx, processID)
}

// Resize forwards a tty resize to init or a named exec process.
func (o *Orchestrator) Resize(ctx context.Context, id, processID string, cols, rows int) error {
	_, client, err := o.client(id)
	if err != nil {
		return err
	}
	return client.Resize(ctx, processID, cols, rows)
}

// Logs returns the stdio and boot log handles the helper holds open.
func (o *Orchestrator) Logs(ctx context.Context, id string) (stdioLog, bootLog io.ReadCloser, err error) {
	_, client, err := o.client(id)
	if err != nil {
		return nil, nil, err
	}
	return client.Logs(ctx)
}

// Stats reports best-effort guest resource usage.
func (o *Orchestrator) Stats(ctx context.Context, id string) (types.Resources, error) {
	_, client, err := o.client(id)
	if err != nil {
		return types.Resources{}, err
	}
	return client.Stats(ctx)
}

// DiskUsage walks id's bundle directory (rootfs, initfs, kernel, logs)
// and reports its apparent and allocated byte counts.
func (o *Orchestrator) DiskUsage(ctx context.Context, id string) (diskusage.Usage, error) {
	if _, err := o.entry(id); err != nil {
		return diskusage.Usage{}, err
	}
	return diskusage.Container(o.store.PathsFor(id).Root)
}

// SystemDiskUsage walks every container bundle and volume under the
// Orchestrator's root.
func (o *Orchestrator) SystemDiskUsage(ctx context.Context) (diskusage.Usage, error) {
	return diskusage.System(o.cfg.Root)
}
