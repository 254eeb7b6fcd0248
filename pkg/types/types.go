// Package types defines the data model shared by the sandbox and
// orchestrator: container configuration, runtime snapshots, bundles,
// volumes, processes and exit statuses.
package types

import "time"

// ContainerConfiguration is immutable after create. It is persisted
// verbatim as config.json inside the container's bundle.
type ContainerConfiguration struct {
	ID       string   `json:"id"`
	Image    string   `json:"image"`
	Platform Platform `json:"platform"`

	Resources   Resources   `json:"resources"`
	InitProcess ProcessSpec `json:"initProcess"`

	Mounts           []Mount               `json:"mounts,omitempty"`
	PublishedPorts   []PublishedPort       `json:"publishedPorts,omitempty"`
	PublishedSockets []PublishedSocket     `json:"publishedSockets,omitempty"`
	Networks         []NetworkAttachConfig `json:"networks,omitempty"`

	DNS     DNSConfig         `json:"dns"`
	Sysctls map[string]string `json:"sysctls,omitempty"`

	RuntimeHandler string `json:"runtimeHandler"`
	Virtualization bool   `json:"virtualization"`
	Rosetta        bool   `json:"rosetta"`
	SSH            bool   `json:"ssh"`
}

// Platform identifies the OS/architecture/variant a container targets.
type Platform struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Variant string `json:"variant,omitempty"`
}

// Resources bounds the guest VM's CPU and memory.
type Resources struct {
	CPUs          int   `json:"cpus"`
	MemoryInBytes int64 `json:"memoryInBytes"`
}

// ProcessSpec describes a process to run inside the guest, whether the
// init process or a later exec.
type ProcessSpec struct {
	Executable         string   `json:"executable"`
	Arguments          []string `json:"arguments,omitempty"`
	Environment        []string `json:"environment,omitempty"`
	WorkingDirectory   string   `json:"workingDirectory,omitempty"`
	User               string   `json:"user,omitempty"`
	Rlimits            []Rlimit `json:"rlimits,omitempty"`
	Terminal           bool     `json:"terminal"`
	SupplementalGroups []uint32 `json:"supplementalGroups,omitempty"`
}

// Rlimit mirrors a POSIX resource limit pair.
type Rlimit struct {
	Type string `json:"type"`
	Soft uint64 `json:"soft"`
	Hard uint64 `json:"hard"`
}

// MountKind enumerates the mount types a ContainerConfiguration may name.
type MountKind string

const (
	MountKindTmpfs         MountKind = "tmpfs"
	MountKindVirtiofsShare MountKind = "virtiofs-share"
	MountKindBlockImage    MountKind = "block-image"
	MountKindUnixSocket    MountKind = "unix-socket-host"
	MountKindVolume        MountKind = "volume"
)

// Mount describes one mount point attached to the guest.
type Mount struct {
	Kind           MountKind         `json:"kind"`
	Source         string            `json:"source,omitempty"`
	Destination    string            `json:"destination"`
	Options        []string          `json:"options,omitempty"`
	RuntimeOptions map[string]string `json:"runtimeOptions,omitempty"`
}

// Protocol is the L4 protocol for a published port.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// PublishedPort requests that a range of host ports be forwarded to a
// parallel range of guest ports.
type PublishedPort struct {
	HostAddress   string   `json:"hostAddress"`
	HostPort      uint16   `json:"hostPort"`
	ContainerPort uint16   `json:"containerPort"`
	Protocol      Protocol `json:"protocol"`
	Count         int      `json:"count"`
}

// SocketDirection controls which side of a published unix socket
// initiates the forward.
type SocketDirection string

const (
	SocketDirectionHostToGuest SocketDirection = "host-to-guest"
	SocketDirectionGuestToHost SocketDirection = "guest-to-host"
)

// PublishedSocket requests a host<->guest unix socket forward.
type PublishedSocket struct {
	HostPath      string          `json:"hostPath"`
	ContainerPath string          `json:"containerPath"`
	Permissions   uint32          `json:"permissions"`
	Direction     SocketDirection `json:"direction"`
}

// NetworkAttachConfig names one network this container attaches to, plus
// the hostname/MAC it wants on that attachment.
type NetworkAttachConfig struct {
	Network  string `json:"network"`
	Hostname string `json:"hostname,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

// DNSConfig carries resolver configuration for the guest.
type DNSConfig struct {
	Nameservers []string `json:"nameservers,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Search      []string `json:"search,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ContainerStatus is the mutable lifecycle state surfaced in snapshots.
type ContainerStatus string

const (
	ContainerStatusStopped  ContainerStatus = "stopped"
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusStopping ContainerStatus = "stopping"
	ContainerStatusUnknown  ContainerStatus = "unknown"
)

// ResolvedAttachment is a network attachment after address assignment.
type ResolvedAttachment struct {
	Network  string `json:"network"`
	Hostname string `json:"hostname"`
	MAC      string `json:"mac"`
	Address  string `json:"address"`
	Gateway  string `json:"gateway"`
}

// ContainerSnapshot is the mutable, read-mostly view the orchestrator
// hands back for list/inspect.
type ContainerSnapshot struct {
	Configuration ContainerConfiguration `json:"configuration"`
	Status        ContainerStatus        `json:"status"`
	Networks      []ResolvedAttachment    `json:"networks,omitempty"`
	StartedDate   time.Time               `json:"startedDate,omitempty"`
}

// BundleOptions are the create-time options persisted as options.json.
type BundleOptions struct {
	AutoRemove bool `json:"autoRemove"`
}

// ProcessState enumerates the lifecycle of a Process inside a sandbox.
type ProcessState string

const (
	ProcessStateCreated ProcessState = "created"
	ProcessStateRunning ProcessState = "running"
	ProcessStateStopped ProcessState = "stopped"
)

// ExitStatus records how and when a process terminated.
type ExitStatus struct {
	Code     int32     `json:"code"`
	ExitedAt time.Time `json:"exitedAt"`
}

// Volume describes one sparse block-backed persistent volume.
type Volume struct {
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	SourcePath  string            `json:"sourcePath"`
	Labels      map[string]string `json:"labels,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	IsAnonymous bool              `json:"isAnonymous"`
	SizeInBytes int64             `json:"sizeInBytes"`
}
