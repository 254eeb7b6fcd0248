package sandbox

import (
	"context"
	"net"

	"github.com/hyperbox/sandboxd/pkg/vmbackend"
)

// vsockUpstream adapts a vmbackend.Instance into portforward.Upstream:
// a published container port is dialed as the vsock port of the same
// number. The gvisor-tap-vsock gateway's own IP-level dial surface
// isn't exposed through pkg/network's narrow wrapper, so this is the
// one guest-reachable primitive vmbackend.Instance offers; it is a
// simplification noted in DESIGN.md rather than a faithful model of
// the guest's TCP/IP stack.
type vsockUpstream struct {
	instance vmbackend.Instance
}

func (u *vsockUpstream) DialTCP(ctx context.Context, port uint16) (net.Conn, error) {
	return u.instance.DialVsock(ctx, uint32(port))
}

func (u *vsockUpstream) DialUDP(ctx context.Context, port uint16) (net.Conn, error) {
	return u.instance.DialVsock(ctx, uint32(port))
}
