package portforward

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hyperbox/sandboxd/pkg/types"
)

// echoUpstream dials a local echo listener, standing in for the
// container-side endpoint a real sandbox would provide via vsock.
type echoUpstream struct {
	tcpAddr string
	udpAddr string
}

func (u echoUpstream) DialTCP(ctx context.Context, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", u.tcpAddr)
}

func (u echoUpstream) DialUDP(ctx context.Context, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", u.udpAddr)
}

func startTCPEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func startUDPEcho(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().String()
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestPublishTCPSplicesTraffic(t *testing.T) {
	echoAddr := startTCPEcho(t)
	port := freeTCPPort(t)

	pool := New("c1", echoUpstream{tcpAddr: echoAddr})
	ctx := context.Background()
	if err := pool.Publish(ctx, types.PublishedPort{
		HostAddress: "127.0.0.1", HostPort: port, ContainerPort: 80, Protocol: types.ProtocolTCP, Count: 1,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	defer pool.Cleanup(ctx)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestPublishUDPRelaysDatagrams(t *testing.T) {
	echoAddr := startUDPEcho(t)
	port := freeTCPPort(t)

	pool := New("c1", echoUpstream{udpAddr: echoAddr})
	ctx := context.Background()
	if err := pool.Publish(ctx, types.PublishedPort{
		HostAddress: "127.0.0.1", HostPort: port, ContainerPort: 53, Protocol: types.ProtocolUDP, Count: 1,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	defer pool.Cleanup(ctx)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial forwarded port: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestPublishRejectsZeroContainerPort(t *testing.T) {
	pool := New("c1", echoUpstream{})
	err := pool.Publish(context.Background(), types.PublishedPort{HostPort: 8080})
	if err == nil {
		t.Fatal("expected validation error for zero container port")
	}
}

// TestPublishStartsExactlyCountForwarders guards the half-open range
// [host-port, host-port+count): a count of N must bind N host ports,
// host-port .. host-port+N-1, and never host-port+N.
func TestPublishStartsExactlyCountForwarders(t *testing.T) {
	echoAddr := startTCPEcho(t)
	base := freeTCPPort(t)
	const count = 3

	pool := New("c1", echoUpstream{tcpAddr: echoAddr})
	ctx := context.Background()
	if err := pool.Publish(ctx, types.PublishedPort{
		HostAddress: "127.0.0.1", HostPort: base, ContainerPort: 80, Protocol: types.ProtocolTCP, Count: count,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	defer pool.Cleanup(ctx)

	if got := len(pool.forwarders); got != count {
		t.Fatalf("got %d forwarders, want %d", got, count)
	}

	for offset := 0; offset < count; offset++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", base+uint16(offset)))
		if err != nil {
			t.Fatalf("dial forwarded port at offset %d: %v", offset, err)
		}
		conn.Close()
	}

	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", base+count), 200*time.Millisecond); err == nil {
		t.Fatalf("expected no forwarder listening at host-port+count (%d)", base+count)
	}
}
