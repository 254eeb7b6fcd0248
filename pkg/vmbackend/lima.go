//go:build darwin

package vmbackend

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// instanceNamePrefix keeps one Lima instance per container, unlike the
// teacher's single shared "warren" instance, so concurrent containers
// don't contend on one guest kernel.
const instanceNamePrefix = "sandboxd-"

// LimaBackend boots each container as its own named Lima (QEMU) VM.
// It exists for development hosts where the vz entitlement isn't
// available; it is slower to boot than VZBackend and is selected
// explicitly via CONTAINER_VM_BACKEND=lima.
type LimaBackend struct {
	logger zerolog.Logger
}

// NewLimaBackend constructs the lima-backed Backend.
func NewLimaBackend() *LimaBackend {
	return &LimaBackend{logger: log.WithComponent("vmbackend.lima")}
}

func (b *LimaBackend) Name() string { return "lima" }

func (b *LimaBackend) Create(ctx context.Context, cfg Config) (Instance, error) {
	if _, err := exec.LookPath("limactl"); err != nil {
		return nil, apierrors.New(apierrors.Unsupported, "lima is not installed; install with: brew install lima")
	}

	return &limaInstance{
		name:    instanceNamePrefix + cfg.ID,
		cfg:     cfg,
		logger:  b.logger.With().Str("container", cfg.ID).Logger(),
		exitCh:  make(chan types.ExitStatus, 1),
	}, nil
}

type limaInstance struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	mu  sync.Mutex
	inst *store.Instance

	exitOnce sync.Once
	exitCh   chan types.ExitStatus
}

func (li *limaInstance) Start(ctx context.Context) error {
	if _, err := store.Inspect(li.name); err == nil {
		return apierrors.New(apierrors.Exists, "lima instance "+li.name+" already exists")
	}

	yaml := li.buildLimaYAML()
	encoded, err := limayaml.Marshal(&yaml, false)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "marshal lima configuration", err)
	}
	if _, err := instance.Create(ctx, li.name, encoded, false); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "create lima instance", err)
	}

	inst, err := store.Inspect(li.name)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "inspect created lima instance", err)
	}
	li.mu.Lock()
	li.inst = inst
	li.mu.Unlock()

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "start lima instance", err)
	}

	if err := li.waitForReady(ctx); err != nil {
		return err
	}

	go li.watchExit(ctx)
	return nil
}

func (li *limaInstance) buildLimaYAML() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}
	cpus := li.cfg.CPUCount
	if cpus <= 0 {
		cpus = 1
	}
	memory := fmt.Sprintf("%dMiB", li.cfg.MemoryBytes/1024/1024)
	writable := true

	return limayaml.LimaYAML{
		Arch: &arch,
		CPUs: &cpus,
		Memory: &memory,
		Images: []limayaml.Image{
			{File: limayaml.File{Location: li.cfg.RootfsPath, Arch: arch}},
		},
		Mounts: []limayaml.Mount{
			{Location: filepath.Dir(li.cfg.RootfsPath), Writable: &writable},
		},
		Message: "sandboxd container " + li.cfg.ID,
	}
}

func (li *limaInstance) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return apierrors.New(apierrors.InternalError, "timeout waiting for lima instance "+li.name+" to become ready")
		case <-ticker.C:
			inst, err := store.Inspect(li.name)
			if err != nil {
				continue
			}
			if inst.Status == store.StatusRunning {
				return nil
			}
		}
	}
}

func (li *limaInstance) watchExit(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inst, err := store.Inspect(li.name)
			if err != nil {
				li.deliverExit(types.ExitStatus{Code: 255, ExitedAt: time.Now()})
				return
			}
			if inst.Status != store.StatusRunning {
				li.deliverExit(types.ExitStatus{Code: 0, ExitedAt: time.Now()})
				return
			}
		}
	}
}

func (li *limaInstance) deliverExit(status types.ExitStatus) {
	li.exitOnce.Do(func() {
		li.exitCh <- status
		close(li.exitCh)
	})
}

func (li *limaInstance) Wait(ctx context.Context) (types.ExitStatus, error) {
	select {
	case status, ok := <-li.exitCh:
		if !ok {
			return types.ExitStatus{}, apierrors.New(apierrors.InternalError, "lima instance exit already delivered")
		}
		return status, nil
	case <-ctx.Done():
		return types.ExitStatus{}, ctx.Err()
	}
}

func (li *limaInstance) Stop(ctx context.Context) error {
	li.mu.Lock()
	inst := li.inst
	li.mu.Unlock()
	if inst == nil {
		return apierrors.New(apierrors.InvalidState, "lima instance was never started")
	}
	if err := instance.StopGracefully(ctx, inst, false); err != nil {
		li.logger.Warn().Err(err).Msg("graceful lima stop failed, forcing")
		instance.StopForcibly(inst)
	}
	return nil
}

func (li *limaInstance) Kill(sig int) error {
	li.mu.Lock()
	inst := li.inst
	li.mu.Unlock()
	if inst == nil {
		return apierrors.New(apierrors.InvalidState, "lima instance was never started")
	}
	instance.StopForcibly(inst)
	return nil
}

func (li *limaInstance) Exec(ctx context.Context, cfg ExecConfig) error {
	return apierrors.New(apierrors.Unsupported, "the lima backend has no exec channel of its own; additional processes run via the guest agent over the control vsock")
}

func (li *limaInstance) DialVsock(ctx context.Context, port uint32) (net.Conn, error) {
	socketPath := li.vsockProxyPath()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, fmt.Sprintf("dial lima guest port %d", port), err)
	}
	return conn, nil
}

// vsockProxyPath is the per-instance UNIX socket Lima exposes on the
// host for its guest agent, standing in for a real vsock connection on
// this (QEMU-backed) fallback.
func (li *limaInstance) vsockProxyPath() string {
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, li.name, "ga.sock")
}

func (li *limaInstance) Resize(ctx context.Context, sizeBytes uint64) error {
	return apierrors.New(apierrors.Unsupported, "rootfs resize is performed on the block image before boot, not on a running lima instance")
}

func (li *limaInstance) Stats(ctx context.Context) (types.Resources, error) {
	return types.Resources{}, apierrors.New(apierrors.Unsupported, "the lima backend does not expose live guest resource counters; use the guest agent's stats opcode instead")
}
