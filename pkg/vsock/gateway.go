package vsock

import (
	"context"
	"net"

	"github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// GatewayConfig describes the userspace subnet the network driver
// hands each container's interfaces onto.
type GatewayConfig struct {
	Subnet     string
	GatewayIP  string
	GatewayMAC string
	MTU        int
	Nameserver string
}

// Gateway is a userspace TCP/IP stack (gvisor-tap-vsock) standing in
// for the host kernel network a container would otherwise attach to:
// it answers DHCP/DNS for the guest and carries every guest interface's
// ethernet frames to and from the host without needing elevated host
// networking privileges (no bridge, no tun/tap, no iptables — none of
// which exist the same way on macOS as they do on the teacher's Linux
// host).
type Gateway struct {
	net *virtualnetwork.VirtualNetwork
	cfg GatewayConfig
}

// NewGateway constructs the userspace network stack for one network
// (see pkg/network). Each network gets its own Gateway and subnet.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	config := &types.Configuration{
		Debug:             false,
		MTU:               mtu,
		Subnet:            cfg.Subnet,
		GatewayIP:         cfg.GatewayIP,
		GatewayMacAddress: cfg.GatewayMAC,
		DHCPStaticLeases:  map[string]string{},
		DNS:               []types.Zone{},
		Forwards:          map[string]string{},
		NAT:               map[string]string{},
		GatewayVirtualIPs: []string{cfg.GatewayIP},
		Protocol:          types.HyperKitProtocol,
	}

	vn, err := virtualnetwork.New(config)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "construct userspace network gateway", err)
	}

	return &Gateway{net: vn, cfg: cfg}, nil
}

// AttachInterface hands back the host-side endpoint of a new guest
// network interface: an io.ReadWriteCloser carrying raw ethernet
// frames that the VM backend plugs directly into the guest's virtio-net
// device (see vmbackend.Interface.HostConn).
func (g *Gateway) AttachInterface(ctx context.Context) (net.Conn, error) {
	host, guest := net.Pipe()
	go func() {
		_ = g.net.AcceptQemu(ctx, guest) //nolint:errcheck // surfaced via the connection closing
	}()
	return host, nil
}

// Nameserver returns the address the network driver reports as the
// attachment's resolved nameserver when the container's DNS config
// leaves it unset (see §3's "derive DNS nameserver" rule).
func (g *Gateway) Nameserver() string {
	if g.cfg.Nameserver != "" {
		return g.cfg.Nameserver
	}
	return g.cfg.GatewayIP
}

// GatewayAddress returns the subnet's gateway IP.
func (g *Gateway) GatewayAddress() string { return g.cfg.GatewayIP }

// Close does nothing and always returns nil; the userspace network
// stack is not torn down.
func (g *Gateway) Close() error {
	return nil
}
