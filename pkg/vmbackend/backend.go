// Package vmbackend is the VM backend collaborator named in §6: given a
// kernel, an init filesystem, a root filesystem, network interfaces,
// passed-through sockets, the init process spec, DNS/hosts content, and
// a boot-log sink, it constructs, starts, waits on, signals, resizes,
// and execs inside one lightweight VM per container.
//
// Two implementations are provided: vzBackend (default on darwin, via
// Apple's Virtualization.framework through Code-Hex/vz) and limaBackend
// (a QEMU-backed fallback for hosts without the vz entitlement, adapted
// from the teacher's single shared Lima instance into one named
// instance per container). Both satisfy the same Backend interface so
// pkg/sandbox never branches on which is in use.
package vmbackend

import (
	"context"
	"io"
	"net"

	"github.com/hyperbox/sandboxd/pkg/types"
)

// Interface describes one guest network attachment as the backend needs
// it: a MAC, the resolved addressing, and (for the vz backend) the host
// file handle backing a point-to-point virtio-net device.
type Interface struct {
	Name       string
	MACAddress string
	Gateway    string
	Address    string
	// HostConn is the host side of a datagram-framed point-to-point
	// link to the guest interface, typically provided by the network
	// driver's gateway (gvisor-tap-vsock or an equivalent).
	HostConn io.ReadWriteCloser
}

// SocketMount is one host-path UNIX socket bind-mounted into the guest;
// its direction flags correspond to the two types.SocketDirection values.
type SocketMount struct {
	HostPath      string
	GuestPath     string
	DirectionIn   bool
	DirectionOut  bool
}

// Config is everything the backend needs to construct one VM, matching
// §6's "construct from (kernel, initfs, rootfs, interfaces, sockets,
// process, dns, hosts, boot-log)".
type Config struct {
	ID          string
	CPUCount    int
	MemoryBytes uint64

	KernelPath string
	KernelArgs string
	InitfsPath string
	RootfsPath string

	Interfaces []Interface
	Sockets    []SocketMount

	Process types.ProcessSpec

	DNSNameservers []string
	HostsFile      string

	BootLog io.Writer
}

// ExecConfig names an additional process to run inside an already
// booted VM (the init process is started via Start, not Exec).
type ExecConfig struct {
	ID      string
	Process types.ProcessSpec
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Instance is one running (or constructed-but-not-yet-started) VM.
type Instance interface {
	// Start boots the guest kernel and runs Config.Process as PID 1.
	Start(ctx context.Context) error

	// Wait blocks until the init process exits.
	Wait(ctx context.Context) (types.ExitStatus, error)

	// Stop requests a graceful guest shutdown.
	Stop(ctx context.Context) error

	// Kill delivers signal sig to the init process. For VM backends
	// without in-guest signal delivery, sig values beyond SIGKILL are
	// best-effort.
	Kill(sig int) error

	// Exec runs an additional process inside the guest, returning once
	// it has been launched; callers wait on it independently via the
	// sandbox's own exit monitor/process bookkeeping.
	Exec(ctx context.Context, cfg ExecConfig) error

	// DialVsock opens a vsock-like byte stream to the given guest port.
	DialVsock(ctx context.Context, port uint32) (net.Conn, error)

	// Resize adjusts the guest rootfs's backing size, where supported.
	Resize(ctx context.Context, sizeBytes uint64) error

	// Stats reports best-effort guest resource usage.
	Stats(ctx context.Context) (types.Resources, error)
}

// Backend constructs Instances. A process hosts exactly one Backend,
// selected at startup by CONTAINER_VM_BACKEND (vz, the default on
// darwin, or lima).
type Backend interface {
	Name() string
	Create(ctx context.Context, cfg Config) (Instance, error)
}
