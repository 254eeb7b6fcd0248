// Package sandbox implements the Sandbox state machine named in §4.C:
// one VM and its workload, multiplexing the init process and any
// number of exec processes under a single asynchronous mutex.
//
// The state machine shape is grounded on kata-containers'
// virtcontainers/sandbox.go and the firecracker shim's bootstrap/
// create/start/stop/delete request surface, and the mutex-guarded
// per-container bookkeeping follows worker.go's executeContainer/
// stopContainer lifecycle. The VM itself is opaque behind
// pkg/vmbackend; this package owns only orchestration of that VM's
// lifecycle plus the exec multiplexing, port forwarding, and network
// attachment around it.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/bundle"
	"github.com/hyperbox/sandboxd/pkg/exitmon"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/portforward"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/vmbackend"
	"github.com/hyperbox/sandboxd/pkg/waiter"
)

// State is one node of the §4.C state machine.
type State string

const (
	StateCreated      State = "created"
	StateBooted       State = "booted"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateShuttingDown State = "shuttingDown"
)

const (
	defaultStopTimeout   = 5 * time.Second
	defaultShutdownGrace = 5 * time.Second
	stopCleanupTimeout   = 10 * time.Second
	// sigkillExitCode is the exit code the graceful-stop path always
	// reports, regardless of which race branch wins (open question i).
	sigkillExitCode int32 = 137
)

// StdIO carries the caller-supplied standard stream handles for a
// process, any of which may be nil.
type StdIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NetworkAttacher is the narrow per-network view the Sandbox needs:
// address allocation and the host side of a guest interface attachment.
// pkg/network.Driver satisfies this directly.
type NetworkAttacher interface {
	Allocate(ctx context.Context, hostname, mac string) (types.ResolvedAttachment, error)
	Deallocate(ctx context.Context, hostname string) error
	AttachInterface(ctx context.Context) (net.Conn, error)
}

// Networks resolves a ContainerConfiguration.networks[*].network name to
// the attacher that owns it.
type Networks interface {
	Attacher(network string) (NetworkAttacher, error)
}

// Config is everything one Sandbox needs to construct, boot, and tear
// down its VM. The kernel/initfs/rootfs paths are resolved by the
// caller (the image and runtime-handler plugins that lay out the
// bundle's kernel/ directory are out of this package's scope).
type Config struct {
	ID        string
	Container types.ContainerConfiguration
	Options   types.BundleOptions
	Paths     bundle.Paths

	KernelPath string
	KernelArgs string
	InitfsPath string
	RootfsPath string

	Backend     vmbackend.Backend
	ExitMonitor *exitmon.Monitor
	Waiters     *waiter.Registry
	Networks    Networks

	StopTimeout   time.Duration
	ShutdownGrace time.Duration
}

// Snapshot is the point-in-time, lock-free view returned by State.
type Snapshot struct {
	State       State
	ExitCode    int32
	StartedDate time.Time
	Networks    []types.ResolvedAttachment
}

// Sandbox owns one VM and its workload.
type Sandbox struct {
	cfg    Config
	logger zerolog.Logger

	// mu serializes every state transition (§4.C "all transitions run
	// under a single asynchronous mutex").
	mu           sync.Mutex
	state        State
	exitCode     int32
	startedDate  time.Time
	instance     vmbackend.Instance
	attachments  []types.ResolvedAttachment
	forwarders   *portforward.Pool
	bootLog      *os.File
	stdioLog     *os.File
	hostsPath    string
	initStdio    StdIO
	initExitedCh chan struct{}
	processes    map[string]*process

	snapshot atomic.Pointer[Snapshot]

	// onShutdown is invoked after Shutdown's grace period. Overridable
	// by tests; defaults to exiting the helper process.
	onShutdown func()
}

// New constructs a Sandbox in state created.
func New(cfg Config) *Sandbox {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	s := &Sandbox{
		cfg:        cfg,
		logger:     log.WithComponent("sandbox").With().Str("container", cfg.ID).Logger(),
		state:      StateCreated,
		processes:  make(map[string]*process),
		onShutdown: func() { os.Exit(0) },
	}
	s.publishSnapshot()
	return s
}

func (s *Sandbox) publishSnapshot() {
	s.snapshot.Store(&Snapshot{
		State:       s.state,
		ExitCode:    s.exitCode,
		StartedDate: s.startedDate,
		Networks:    append([]types.ResolvedAttachment(nil), s.attachments...),
	})
}

// State returns a point-in-time snapshot without taking the transition
// mutex; callers must tolerate it reflecting a transient state.
func (s *Sandbox) State(ctx context.Context) (Snapshot, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return Snapshot{State: StateCreated}, nil
	}
	return *snap, nil
}

// Logs returns read handles to the bundle's stdio.log and boot.log.
func (s *Sandbox) Logs(ctx context.Context) (stdio, boot *os.File, err error) {
	stdio, err = os.Open(s.cfg.Paths.StdioLog)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.InternalError, "open stdio log", err)
	}
	boot, err = os.Open(s.cfg.Paths.BootLog)
	if err != nil {
		stdio.Close()
		return nil, nil, apierrors.Wrap(apierrors.InternalError, "open boot log", err)
	}
	return stdio, boot, nil
}

// Stats reads guest resource counters. Valid only while running.
func (s *Sandbox) Stats(ctx context.Context) (types.Resources, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return types.Resources{}, apierrors.New(apierrors.InvalidState, "stats is only valid on a running container")
	}
	instance := s.instance
	s.mu.Unlock()
	return instance.Stats(ctx)
}

// Dial opens a vsock-like byte stream to the guest on port.
func (s *Sandbox) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	if port == 0 {
		return nil, apierrors.New(apierrors.InvalidArgument, "dial requires a non-zero port")
	}
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateBooted {
		s.mu.Unlock()
		return nil, apierrors.New(apierrors.InvalidState, "dial is only valid on a booted or running container")
	}
	instance := s.instance
	s.mu.Unlock()
	return instance.DialVsock(ctx, port)
}

// Bootstrap builds the VM configuration, allocates every network
// attachment, constructs interfaces, derives DNS and /etc/hosts,
// attaches socket mounts, creates the VM, registers init with the exit
// monitor, and starts the port forwarders. On any failure it unwinds
// everything it already did and leaves state at created.
func (s *Sandbox) Bootstrap(ctx context.Context, stdio StdIO) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "bootstrap is only valid from created")
	}
	s.mu.Unlock()

	var unwind []func()
	fail := func(err error) error {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		return err
	}

	attachments := make([]types.ResolvedAttachment, 0, len(s.cfg.Container.Networks))
	interfaces := make([]vmbackend.Interface, 0, len(s.cfg.Container.Networks))

	for _, attach := range s.cfg.Container.Networks {
		attacher, err := s.cfg.Networks.Attacher(attach.Network)
		if err != nil {
			return fail(err)
		}
		resolved, err := attacher.Allocate(ctx, attach.Hostname, attach.MAC)
		if err != nil {
			return fail(err)
		}
		hostname := attach.Hostname
		unwind = append(unwind, func() { attacher.Deallocate(context.Background(), hostname) }) //nolint:errcheck // best-effort unwind

		conn, err := attacher.AttachInterface(ctx)
		if err != nil {
			return fail(err)
		}
		attachments = append(attachments, resolved)
		interfaces = append(interfaces, vmbackend.Interface{
			Name:       attach.Network,
			MACAddress: resolved.MAC,
			Gateway:    resolved.Gateway,
			Address:    resolved.Address,
			HostConn:   conn,
		})
	}

	nameservers := s.cfg.Container.DNS.Nameservers
	if len(nameservers) == 0 && len(attachments) > 0 {
		nameservers = []string{attachments[0].Gateway}
	}

	hostsPath, err := s.writeHosts(attachments)
	if err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { os.Remove(hostsPath) })

	if err := checkPortOverlap(s.cfg.Container.PublishedPorts); err != nil {
		return fail(err)
	}
	for _, p := range s.cfg.Container.PublishedPorts {
		if err := validatePublishedPort(p); err != nil {
			return fail(err)
		}
	}

	var sockets []vmbackend.SocketMount
	for _, m := range s.cfg.Container.Mounts {
		if m.Kind != types.MountKindUnixSocket {
			continue
		}
		sockets = append(sockets, vmbackend.SocketMount{
			HostPath:    m.Source,
			GuestPath:   m.Destination,
			DirectionIn: true,
		})
	}

	bootLog, err := openAppend(s.cfg.Paths.BootLog)
	if err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { bootLog.Close() })

	stdioLog, err := openAppend(s.cfg.Paths.StdioLog)
	if err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { stdioLog.Close() })

	// vmbackend exposes a single guest console channel (BootLog); a
	// minimal init typically owns that same serial tty for its own
	// stdout/stderr, so the console is the one place the §4.C I/O
	// fan-out (caller handle + stdio.log) can attach for the init
	// process specifically.
	consoleWriters := []io.Writer{bootLog, stdioLog}
	if stdio.Stdout != nil {
		consoleWriters = append(consoleWriters, stdio.Stdout)
	}

	vmCfg := vmbackend.Config{
		ID:             s.cfg.ID,
		CPUCount:       s.cfg.Container.Resources.CPUs,
		MemoryBytes:    uint64(s.cfg.Container.Resources.MemoryInBytes),
		KernelPath:     s.cfg.KernelPath,
		KernelArgs:     s.cfg.KernelArgs,
		InitfsPath:     s.cfg.InitfsPath,
		RootfsPath:     s.cfg.RootfsPath,
		Interfaces:     interfaces,
		Sockets:        sockets,
		Process:        s.cfg.Container.InitProcess,
		DNSNameservers: nameservers,
		HostsFile:      hostsPath,
		BootLog:        io.MultiWriter(consoleWriters...),
	}

	instance, err := s.cfg.Backend.Create(ctx, vmCfg)
	if err != nil {
		return fail(apierrors.Wrap(apierrors.InternalError, "create VM instance", err))
	}
	unwind = append(unwind, func() { instance.Kill(9) }) //nolint:errcheck // best-effort unwind

	if err := s.cfg.ExitMonitor.RegisterProcess(s.cfg.ID, s.onInitExit); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() { s.cfg.ExitMonitor.StopTracking(s.cfg.ID) })

	forwarders := portforward.New(s.cfg.ID, &vsockUpstream{instance: instance})
	unwind = append(unwind, func() { forwarders.Cleanup(context.Background()) }) //nolint:errcheck
	for _, p := range s.cfg.Container.PublishedPorts {
		if err := forwarders.Publish(ctx, p); err != nil {
			return fail(err)
		}
	}

	s.mu.Lock()
	s.state = StateBooted
	s.instance = instance
	s.attachments = attachments
	s.forwarders = forwarders
	s.bootLog = bootLog
	s.stdioLog = stdioLog
	s.hostsPath = hostsPath
	s.initStdio = stdio
	s.initExitedCh = make(chan struct{})
	s.publishSnapshot()
	s.mu.Unlock()

	s.logger.Debug().Msg("bootstrap complete")
	return nil
}

// StartProcess starts the init process (id equal to the container id)
// or a previously created exec process.
func (s *Sandbox) StartProcess(ctx context.Context, id string) error {
	if id == s.cfg.ID {
		return s.startInit(ctx)
	}
	return s.startExecProcess(ctx, id)
}

func (s *Sandbox) startInit(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil // starting init on an already-running container is a no-op
	}
	if s.state != StateBooted {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "startProcess(init) is only valid from booted")
	}
	instance := s.instance
	s.mu.Unlock()

	if err := instance.Start(ctx); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "start VM workload", err)
	}

	s.cfg.ExitMonitor.Track(s.cfg.ID, func(waitCtx context.Context) (types.ExitStatus, error) {
		return instance.Wait(waitCtx)
	})

	s.mu.Lock()
	s.state = StateRunning
	s.startedDate = time.Now()
	s.publishSnapshot()
	s.mu.Unlock()
	return nil
}

// onInitExit is the exit monitor's callback for the init process id.
// It always unblocks any in-flight graceful stop's "await init exit"
// race branch; it only performs the full teardown itself when no stop
// is already driving one (the common exit handler is a no-op once
// stopping/stopped, per §4.C).
func (s *Sandbox) onInitExit(id string, status types.ExitStatus) {
	s.mu.Lock()
	already := s.state == StateStopping || s.state == StateStopped
	initExited := s.initExitedCh
	s.mu.Unlock()

	if initExited != nil {
		select {
		case <-initExited:
		default:
			close(initExited)
		}
	}

	if already {
		return
	}
	s.finishStop(status.Code)
}

// finishStop is the common exit handler: attempt VM stop (errors
// ignored), run cleanup, transition to stopped(code), and resolve every
// waiter on the init id. It is safe to call more than once.
func (s *Sandbox) finishStop(code int32) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	instance := s.instance
	s.publishSnapshot()
	s.mu.Unlock()

	if instance != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopCleanupTimeout)
		instance.Stop(stopCtx) //nolint:errcheck // best-effort; transition to stopped proceeds regardless
		cancel()
	}
	s.cleanup()

	s.mu.Lock()
	s.state = StateStopped
	s.exitCode = code
	s.publishSnapshot()
	s.mu.Unlock()

	s.cfg.Waiters.Resolve(s.cfg.ID, types.ExitStatus{Code: code, ExitedAt: time.Now()})
}

// cleanup deallocates every network attachment and stops the port
// forwarders. Errors are logged, not propagated: §4.C requires the
// stopped transition to proceed regardless.
func (s *Sandbox) cleanup() {
	s.mu.Lock()
	forwarders := s.forwarders
	hostsPath := s.hostsPath
	s.mu.Unlock()

	if forwarders != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopCleanupTimeout)
		if err := forwarders.Cleanup(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("port forwarder cleanup failed")
		}
		cancel()
	}

	for _, attach := range s.cfg.Container.Networks {
		attacher, err := s.cfg.Networks.Attacher(attach.Network)
		if err != nil {
			continue
		}
		if err := attacher.Deallocate(context.Background(), attach.Hostname); err != nil {
			s.logger.Warn().Err(err).Str("hostname", attach.Hostname).Msg("network deallocate failed")
		}
	}

	if hostsPath != "" {
		os.Remove(hostsPath)
	}
}

// Stop performs the graceful stop: transition to stopping, race an
// await of init's natural exit against signal-then-timeout-then-kill,
// take the first outcome, then run the common exit handler. Per open
// question (i), the reported exit code is always 137 regardless of
// which branch wins.
func (s *Sandbox) Stop(ctx context.Context, signal int, timeout time.Duration) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil // idempotent
	case StateRunning, StateBooted:
		s.state = StateStopping
		s.publishSnapshot()
	default:
		s.mu.Unlock()
		return nil // no-op from any other state
	}
	instance := s.instance
	initExited := s.initExitedCh
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.cfg.StopTimeout
	}

	raceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		if initExited != nil {
			select {
			case <-initExited:
			case <-raceCtx.Done():
			}
		}
		cancel()
		return nil
	})
	g.Go(func() error {
		if instance != nil {
			instance.Kill(signal) //nolint:errcheck // best-effort signal delivery
		}
		select {
		case <-time.After(timeout):
		case <-raceCtx.Done():
			return nil
		}
		if instance != nil {
			instance.Kill(9) //nolint:errcheck // SIGKILL escalation
		}
		cancel()
		return nil
	})
	g.Wait() //nolint:errcheck // both branches always return nil

	s.finishStop(sigkillExitCode)
	return nil
}

// Shutdown transitions to shuttingDown and schedules process exit after
// a grace period. Valid only from created, stopping, or stopped.
func (s *Sandbox) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated, StateStopping, StateStopped:
		s.state = StateShuttingDown
		s.publishSnapshot()
	default:
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "shutdown is only valid from created, stopping, or stopped")
	}
	s.mu.Unlock()

	grace := s.cfg.ShutdownGrace
	go func() {
		time.Sleep(grace)
		s.onShutdown()
	}()
	return nil
}

func (s *Sandbox) writeHosts(attachments []types.ResolvedAttachment) (string, error) {
	var b strings.Builder
	b.WriteString("127.0.0.1 localhost\n")
	b.WriteString("::1 localhost\n")
	if len(attachments) > 0 {
		primary := attachments[0]
		hostname := primary.Hostname
		if hostname == "" {
			hostname = s.cfg.ID
		}
		addr := primary.Address
		if idx := strings.IndexByte(addr, '/'); idx >= 0 {
			addr = addr[:idx]
		}
		fmt.Fprintf(&b, "%s %s\n", addr, hostname)
	}

	path := filepath.Join(s.cfg.Paths.Root, "hosts")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", apierrors.Wrap(apierrors.InternalError, "write hosts file", err)
	}
	return path, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "open "+path, err)
	}
	return f, nil
}

func validatePublishedPort(p types.PublishedPort) error {
	if p.ContainerPort == 0 {
		return apierrors.New(apierrors.InvalidArgument, "published port must name a non-zero container port")
	}
	if p.HostPort < 1024 && os.Geteuid() != 0 {
		return apierrors.New(apierrors.InvalidArgument, fmt.Sprintf("published host port %d requires elevated privileges", p.HostPort))
	}
	return nil
}

func checkPortOverlap(ports []types.PublishedPort) error {
	type span struct{ lo, hi int }
	spans := make([]span, 0, len(ports))
	for _, p := range ports {
		spans = append(spans, span{lo: int(p.HostPort), hi: int(p.HostPort) + p.Count})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].lo < spans[j].hi && spans[j].lo < spans[i].hi {
				return apierrors.New(apierrors.InvalidArgument, "published host port ranges overlap")
			}
		}
	}
	return nil
}
