//go:build darwin

package vmbackend

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/rs/zerolog"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// VZBackend boots containers as Apple Virtualization.framework VMs.
// This is the default backend on darwin.
type VZBackend struct {
	logger zerolog.Logger
}

// NewVZBackend constructs the vz-backed Backend.
func NewVZBackend() *VZBackend {
	return &VZBackend{logger: log.WithComponent("vmbackend.vz")}
}

func (b *VZBackend) Name() string { return "vz" }

func (b *VZBackend) Create(ctx context.Context, cfg Config) (Instance, error) {
	bootLoader, err := vz.NewLinuxBootLoader(cfg.KernelPath,
		vz.WithCommandLine(cfg.KernelArgs),
		vz.WithInitrd(cfg.InitfsPath),
	)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "construct linux boot loader", err)
	}

	cpuCount := cfg.CPUCount
	if cpuCount <= 0 {
		cpuCount = 1
	}
	memory := cfg.MemoryBytes
	if memory == 0 {
		memory = 512 * 1024 * 1024
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(cpuCount), memory)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "construct VM configuration", err)
	}

	diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.RootfsPath, false)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "attach rootfs image", err)
	}
	storageConfig, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "configure rootfs device", err)
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{storageConfig})

	netConfigs := make([]*vz.VirtioNetworkDeviceConfiguration, 0, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		attachment, err := vz.NewFileHandleNetworkDeviceAttachment(iface.HostConn)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.InternalError, "attach network interface "+iface.Name, err)
		}
		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(attachment)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.InternalError, "configure network interface "+iface.Name, err)
		}
		if iface.MACAddress != "" {
			mac, err := net.ParseMAC(iface.MACAddress)
			if err != nil {
				return nil, apierrors.Wrap(apierrors.InvalidArgument, "parse MAC for interface "+iface.Name, err)
			}
			vzMAC, err := vz.NewMACAddress(mac)
			if err != nil {
				return nil, apierrors.Wrap(apierrors.InternalError, "construct MAC for interface "+iface.Name, err)
			}
			netConfig.SetMACAddress(vzMAC)
		}
		netConfigs = append(netConfigs, netConfig)
	}
	vmConfig.SetNetworkDevicesVirtualMachineConfiguration(netConfigs)

	entropyConfig, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "configure entropy device", err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]vz.EntropyDeviceConfiguration{entropyConfig})

	socketConfig, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "configure vsock device", err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketConfig})

	consoleRead, consoleWrite, err := os.Pipe()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "open boot console pipe", err)
	}
	if cfg.BootLog != nil {
		go io.Copy(cfg.BootLog, consoleRead) //nolint:errcheck // best-effort boot log capture
	}
	consoleAttachment, err := vz.NewFileHandleSerialPortAttachment(nil, consoleWrite)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "configure boot console", err)
	}
	consoleConfig, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(consoleAttachment)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "configure boot console device", err)
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{consoleConfig})

	if valid, err := vmConfig.Validate(); err != nil || !valid {
		return nil, apierrors.Wrap(apierrors.InvalidArgument, "validate VM configuration", err)
	}

	vm, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "construct virtual machine", err)
	}

	return &vzInstance{
		id:      cfg.ID,
		vm:      vm,
		process: cfg.Process,
		logger:  b.logger.With().Str("container", cfg.ID).Logger(),
	}, nil
}

type vzInstance struct {
	id      string
	vm      *vz.VirtualMachine
	process types.ProcessSpec
	logger  zerolog.Logger

	mu       sync.Mutex
	started  bool
	exitOnce sync.Once
	exitCh   chan types.ExitStatus
}

func (v *vzInstance) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "VM instance already started")
	}
	v.started = true
	v.exitCh = make(chan types.ExitStatus, 1)
	v.mu.Unlock()

	if err := v.vm.Start(); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "start VM", err)
	}

	go v.watchState()
	return nil
}

func (v *vzInstance) watchState() {
	for state := range v.vm.StateChangedNotify() {
		v.logger.Debug().Str("state", state.String()).Msg("vm state changed")
		if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
			code := int32(0)
			if state == vz.VirtualMachineStateError {
				code = 255
			}
			v.deliverExit(types.ExitStatus{Code: code, ExitedAt: time.Now()})
			return
		}
	}
}

func (v *vzInstance) deliverExit(status types.ExitStatus) {
	v.exitOnce.Do(func() {
		v.exitCh <- status
		close(v.exitCh)
	})
}

func (v *vzInstance) Wait(ctx context.Context) (types.ExitStatus, error) {
	select {
	case status, ok := <-v.exitCh:
		if !ok {
			return types.ExitStatus{}, apierrors.New(apierrors.InternalError, "VM exit already delivered")
		}
		return status, nil
	case <-ctx.Done():
		return types.ExitStatus{}, ctx.Err()
	}
}

func (v *vzInstance) Stop(ctx context.Context) error {
	if canStop := v.vm.CanRequestStop(); canStop {
		if _, err := v.vm.RequestStop(); err == nil {
			return nil
		}
	}
	return v.forceStop()
}

func (v *vzInstance) forceStop() error {
	if !v.vm.CanStop() {
		return apierrors.New(apierrors.InvalidState, "VM cannot be stopped from its current state")
	}
	if err := v.vm.Stop(); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "stop VM", err)
	}
	return nil
}

func (v *vzInstance) Kill(sig int) error {
	return v.forceStop()
}

func (v *vzInstance) Exec(ctx context.Context, cfg ExecConfig) error {
	return apierrors.New(apierrors.Unsupported, "the vz backend launches only the init process; additional processes run via the guest agent over the control vsock, not vmbackend.Exec")
}

func (v *vzInstance) DialVsock(ctx context.Context, port uint32) (net.Conn, error) {
	sockets := v.vm.SocketDevices()
	if len(sockets) == 0 {
		return nil, apierrors.New(apierrors.InvalidState, "VM has no vsock device configured")
	}
	conn, err := sockets[0].Connect(port)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, fmt.Sprintf("dial vsock port %d", port), err)
	}
	return conn, nil
}

func (v *vzInstance) Resize(ctx context.Context, sizeBytes uint64) error {
	return apierrors.New(apierrors.Unsupported, "rootfs resize is performed on the block image before boot, not on a running vz instance")
}

func (v *vzInstance) Stats(ctx context.Context) (types.Resources, error) {
	return types.Resources{}, apierrors.New(apierrors.Unsupported, "the vz backend does not expose live guest resource counters; use the guest agent's stats opcode instead")
}
