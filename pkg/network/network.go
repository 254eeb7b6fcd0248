package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/vsock"
)

// State is the network's externally observable condition (§6's
// "state() -> running{gateway,...}").
type State struct {
	Name      string `json:"name"`
	Subnet    string `json:"subnet"`
	Gateway   string `json:"gateway"`
	DNS       string `json:"dns"`
	Status    string `json:"status"`
	Addresses int    `json:"addresses"`
}

// Driver owns address allocation for one named network. Each Driver
// wraps its own vsock.Gateway, so distinct networks never share a
// subnet or a broadcast domain.
type Driver struct {
	name    string
	gateway *vsock.Gateway

	mu        sync.Mutex
	allocated map[string]types.ResolvedAttachment // hostname -> attachment
	nextHost  int
}

// Config describes one network's addressing.
type Config struct {
	Name       string
	Subnet     string // CIDR, e.g. "192.168.127.0/24"
	GatewayIP  string
	GatewayMAC string
}

// New constructs a Driver backed by a fresh userspace gateway.
func New(cfg Config) (*Driver, error) {
	gw, err := vsock.NewGateway(vsock.GatewayConfig{
		Subnet:     cfg.Subnet,
		GatewayIP:  cfg.GatewayIP,
		GatewayMAC: cfg.GatewayMAC,
	})
	if err != nil {
		return nil, err
	}
	return &Driver{
		name:      cfg.Name,
		gateway:   gw,
		allocated: make(map[string]types.ResolvedAttachment),
		nextHost:  2, // .1 is the gateway
	}, nil
}

// Allocate assigns an address and host identity to one container
// interface. Re-allocating an already-allocated hostname returns the
// existing attachment (allocate is idempotent per hostname, since a
// restarted orchestrator may re-bootstrap a container whose bundle
// already names a hostname it previously allocated).
func (d *Driver) Allocate(ctx context.Context, hostname, mac string) (types.ResolvedAttachment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.allocated[hostname]; ok {
		return existing, nil
	}

	addr, err := d.nextAddress()
	if err != nil {
		return types.ResolvedAttachment{}, err
	}

	attachment := types.ResolvedAttachment{
		Network:  d.name,
		Hostname: hostname,
		MAC:      mac,
		Address:  addr,
		Gateway:  d.gateway.GatewayAddress(),
	}
	d.allocated[hostname] = attachment
	return attachment, nil
}

// Deallocate drops hostname's attachment record. Addresses are handed
// out sequentially, so the released address is not given to a later
// Allocate.
func (d *Driver) Deallocate(ctx context.Context, hostname string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.allocated, hostname)
	return nil
}

// State reports the network's current condition.
func (d *Driver) State(ctx context.Context) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Name:      d.name,
		Gateway:   d.gateway.GatewayAddress(),
		DNS:       d.gateway.Nameserver(),
		Status:    "running",
		Addresses: len(d.allocated),
	}, nil
}

// AttachInterface hands back the host-side endpoint of a freshly
// allocated guest interface for the VM backend to wire in as
// vmbackend.Interface.HostConn.
func (d *Driver) AttachInterface(ctx context.Context) (net.Conn, error) {
	return d.gateway.AttachInterface(ctx)
}

// Close calls the underlying gateway's Close, which does nothing.
func (d *Driver) Close() error {
	return d.gateway.Close()
}

func (d *Driver) nextAddress() (string, error) {
	_, subnet, err := net.ParseCIDR(d.gatewaySubnetHint())
	if err != nil {
		return "", apierrors.Wrap(apierrors.InternalError, "parse network subnet", err)
	}

	ip := subnet.IP.To4()
	if ip == nil {
		return "", apierrors.New(apierrors.InternalError, "network subnet is not IPv4")
	}

	host := d.nextHost
	d.nextHost++

	maskSize, _ := subnet.Mask.Size()
	maxHosts := 1<<(32-maskSize) - 2
	if host > maxHosts {
		return "", apierrors.New(apierrors.Exists, "network "+d.name+" has no free addresses left")
	}

	addr := make(net.IP, 4)
	copy(addr, ip)
	addr[3] += byte(host)
	return fmt.Sprintf("%s/%d", addr.String(), maskSize), nil
}

func (d *Driver) gatewaySubnetHint() string {
	// The gateway address is always the subnet's .1; derive the subnet
	// CIDR from it plus the /24 default this driver allocates within.
	gw := net.ParseIP(d.gateway.GatewayAddress())
	if gw == nil {
		return "192.168.127.0/24"
	}
	gw = gw.To4()
	return fmt.Sprintf("%d.%d.%d.0/24", gw[0], gw[1], gw[2])
}
