// Package portforward implements the per-container port-forwarder pool
// named in §4: for each published port a host-side proxy that carries
// traffic to the container's VM, TCP via accept-and-splice and UDP via
// a session table with idle-timeout eviction.
//
// It replaces the teacher's HostPortPublisher (pkg/network/hostports.go),
// which programs iptables DNAT/MASQUERADE/FORWARD rules — a Linux-only
// mechanism unavailable on the macOS host this spec targets. The
// registration/cleanup bookkeeping (one set of forwarders tracked per
// container id, torn down together) is kept from that design; only the
// forwarding mechanism changes, from kernel netfilter rules to Go
// userspace proxies.
package portforward

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/log"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// Upstream dials the container-side endpoint a forwarder splices
// accepted connections to (TCP) or relays datagrams to (UDP). The
// sandbox supplies this, backed by vmbackend.Instance.DialVsock or an
// equivalent network-driver endpoint.
type Upstream interface {
	DialTCP(ctx context.Context, port uint16) (net.Conn, error)
	DialUDP(ctx context.Context, port uint16) (net.Conn, error)
}

// udpIdleTimeout evicts a UDP session that has carried no traffic for
// this long.
const udpIdleTimeout = 2 * time.Minute

// Pool owns every forwarder for one container, started together at
// bootstrap and torn down together at cleanup.
type Pool struct {
	id       string
	upstream Upstream
	logger   zerolog.Logger

	mu         sync.Mutex
	forwarders []*forwarder
}

// New creates an empty Pool for container id.
func New(id string, upstream Upstream) *Pool {
	return &Pool{id: id, upstream: upstream, logger: log.WithComponent("portforward")}
}

// Publish validates and starts one forwarder per port in spec's range
// (host-port..host-port+count mapped to container-port..container-port+count),
// returning once every forwarder in the range is actively accepting. If
// any port in the range fails to start, the ports already started for
// this call are stopped before the error is returned.
func (p *Pool) Publish(ctx context.Context, spec types.PublishedPort) error {
	if err := validate(spec); err != nil {
		return err
	}

	started := make([]*forwarder, 0, spec.Count)
	for offset := 0; offset < spec.Count; offset++ {
		single := spec
		single.HostPort = spec.HostPort + uint16(offset)
		single.ContainerPort = spec.ContainerPort + uint16(offset)

		fw := &forwarder{
			spec:     single,
			upstream: p.upstream,
			logger:   p.logger.With().Str("container", p.id).Uint16("containerPort", single.ContainerPort).Logger(),
		}
		if err := fw.start(ctx); err != nil {
			for _, s := range started {
				s.stop() //nolint:errcheck // best-effort unwind
			}
			return err
		}
		started = append(started, fw)
	}

	p.mu.Lock()
	p.forwarders = append(p.forwarders, started...)
	p.mu.Unlock()
	return nil
}

// Cleanup closes and awaits every forwarder in the pool.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	forwarders := p.forwarders
	p.forwarders = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, fw := range forwarders {
		fw := fw
		g.Go(func() error { return fw.stop() })
	}
	return g.Wait()
}

func validate(spec types.PublishedPort) error {
	if spec.ContainerPort == 0 {
		return apierrors.New(apierrors.InvalidArgument, "published port must name a non-zero container port")
	}
	return nil
}

type forwarder struct {
	spec     types.PublishedPort
	upstream Upstream
	logger   zerolog.Logger

	tcpListener net.Listener
	udpConn     *net.UDPConn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func (fw *forwarder) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	fw.cancel = cancel

	addr := fmt.Sprintf("%s:%d", hostAddrOrWildcard(fw.spec.HostAddress), fw.spec.HostPort)

	switch fw.spec.Protocol {
	case types.ProtocolUDP:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			cancel()
			return apierrors.Wrap(apierrors.InvalidArgument, "resolve UDP listen address "+addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			cancel()
			return apierrors.Wrap(apierrors.InternalError, "listen UDP on "+addr, err)
		}
		fw.udpConn = conn
		fw.wg.Add(1)
		go fw.serveUDP(runCtx)
	default:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			return apierrors.Wrap(apierrors.InternalError, "listen TCP on "+addr, err)
		}
		fw.tcpListener = ln
		fw.wg.Add(1)
		go fw.serveTCP(runCtx)
	}

	return nil
}

func (fw *forwarder) stop() error {
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.tcpListener != nil {
		fw.tcpListener.Close()
	}
	if fw.udpConn != nil {
		fw.udpConn.Close()
	}
	fw.wg.Wait()
	return nil
}

// serveTCP accepts connections until the listener closes, splicing each
// one to its own freshly dialed upstream connection.
func (fw *forwarder) serveTCP(ctx context.Context) {
	defer fw.wg.Done()
	for {
		conn, err := fw.tcpListener.Accept()
		if err != nil {
			return // listener closed by stop()
		}
		go fw.spliceTCP(ctx, conn)
	}
}

func (fw *forwarder) spliceTCP(ctx context.Context, downstream net.Conn) {
	defer downstream.Close()

	upstream, err := fw.upstream.DialTCP(ctx, fw.spec.ContainerPort)
	if err != nil {
		fw.logger.Warn().Err(err).Msg("dial upstream for forwarded TCP connection failed")
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, downstream) }() //nolint:errcheck // connection close ends the copy
	go func() { defer wg.Done(); io.Copy(downstream, upstream) }() //nolint:errcheck
	wg.Wait()
}

// udpSession tracks one (client addr) -> upstream mapping so replies
// route back to the correct client without a new upstream dial per
// datagram.
type udpSession struct {
	upstream net.Conn
	lastSeen time.Time
}

func (fw *forwarder) serveUDP(ctx context.Context) {
	defer fw.wg.Done()

	sessions := make(map[string]*udpSession)
	var mu sync.Mutex

	evictTicker := time.NewTicker(udpIdleTimeout / 2)
	defer evictTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-evictTicker.C:
				mu.Lock()
				for key, sess := range sessions {
					if time.Since(sess.lastSeen) > udpIdleTimeout {
						sess.upstream.Close()
						delete(sessions, key)
					}
				}
				mu.Unlock()
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, clientAddr, err := fw.udpConn.ReadFromUDP(buf)
		if err != nil {
			mu.Lock()
			for _, sess := range sessions {
				sess.upstream.Close()
			}
			mu.Unlock()
			return // socket closed by stop()
		}

		key := clientAddr.String()
		mu.Lock()
		sess, ok := sessions[key]
		if !ok {
			upstream, err := fw.upstream.DialUDP(ctx, fw.spec.ContainerPort)
			if err != nil {
				mu.Unlock()
				fw.logger.Warn().Err(err).Msg("dial upstream for forwarded UDP session failed")
				continue
			}
			sess = &udpSession{upstream: upstream}
			sessions[key] = sess
			go fw.pumpUDPReplies(fw.udpConn, clientAddr, sess)
		}
		sess.lastSeen = time.Now()
		mu.Unlock()

		if _, err := sess.upstream.Write(buf[:n]); err != nil {
			fw.logger.Debug().Err(err).Msg("write to UDP upstream failed")
		}
	}
}

func (fw *forwarder) pumpUDPReplies(downstream *net.UDPConn, clientAddr *net.UDPAddr, sess *udpSession) {
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.upstream.Read(buf)
		if err != nil {
			return
		}
		if _, err := downstream.WriteToUDP(buf[:n], clientAddr); err != nil {
			return
		}
		sess.lastSeen = time.Now()
	}
}

func hostAddrOrWildcard(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}
