package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"time"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/vmbackend"
)

// guestAgentVsockPort is the well-known vsock port the in-guest agent
// listens on for process control. The agent itself is out of scope
// (the VM backend and guest agent are provided by the host platform);
// this file is only the host-side client that speaks to it, addressing
// requests by process id the same way every other sandbox operation
// does. Framing follows Docker's attach multiplexing convention (a
// one-byte stream tag plus a four-byte big-endian length) since no
// pack example vendors an equivalent guest-exec wire protocol to ground
// this on directly.
const guestAgentVsockPort uint32 = 1024

type agentRequest struct {
	Op      string
	ID      string
	Process types.ProcessSpec
	Signal  int
	Cols    int
	Rows    int
}

type agentResponse struct {
	Err string
}

type streamTag byte

const (
	streamStdin streamTag = iota
	streamStdout
	streamStderr
	streamExit
)

type guestAgentClient struct {
	instance vmbackend.Instance
}

// call performs one short-lived request/response exchange: dial, send
// req, decode resp, close.
func (c *guestAgentClient) call(ctx context.Context, req agentRequest) error {
	conn, err := c.instance.DialVsock(ctx, guestAgentVsockPort)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "dial guest agent", err)
	}
	defer conn.Close()

	if err := gob.NewEncoder(conn).Encode(req); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "send guest agent request", err)
	}
	var resp agentResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "read guest agent response", err)
	}
	if resp.Err != "" {
		return apierrors.New(apierrors.InternalError, "guest agent: "+resp.Err)
	}
	return nil
}

func (c *guestAgentClient) signal(ctx context.Context, id string, sig int) error {
	return c.call(ctx, agentRequest{Op: "signal", ID: id, Signal: sig})
}

func (c *guestAgentClient) resize(ctx context.Context, id string, cols, rows int) error {
	return c.call(ctx, agentRequest{Op: "resize", ID: id, Cols: cols, Rows: rows})
}

// execSession is one launched exec process: a dedicated vsock
// connection left open for the process's lifetime, carrying stdio
// frames until a trailing exit frame reports its ExitStatus.
type execSession struct {
	conn   net.Conn
	exitCh chan types.ExitStatus
}

// start launches id as an additional guest process and begins pumping
// its stdio over the dedicated connection.
func (c *guestAgentClient) start(ctx context.Context, id string, spec types.ProcessSpec, stdio StdIO) (*execSession, error) {
	conn, err := c.instance.DialVsock(ctx, guestAgentVsockPort)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "dial guest agent", err)
	}

	if err := gob.NewEncoder(conn).Encode(agentRequest{Op: "exec", ID: id, Process: spec}); err != nil {
		conn.Close()
		return nil, apierrors.Wrap(apierrors.InternalError, "send exec request", err)
	}
	var resp agentResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		conn.Close()
		return nil, apierrors.Wrap(apierrors.InternalError, "read exec response", err)
	}
	if resp.Err != "" {
		conn.Close()
		return nil, apierrors.New(apierrors.InternalError, "guest agent: "+resp.Err)
	}

	session := &execSession{conn: conn, exitCh: make(chan types.ExitStatus, 1)}

	if stdio.Stdin != nil {
		go session.pumpStdin(stdio.Stdin)
	}
	go session.pumpOut(stdio.Stdout, stdio.Stderr)

	return session, nil
}

func (s *execSession) pumpStdin(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := writeFrame(s.conn, streamStdin, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *execSession) pumpOut(stdout, stderr io.Writer) {
	defer close(s.exitCh)
	for {
		tag, payload, err := readFrame(s.conn)
		if err != nil {
			s.exitCh <- types.ExitStatus{Code: panicExitCode, ExitedAt: time.Now()}
			return
		}
		switch tag {
		case streamStdout:
			if stdout != nil {
				stdout.Write(payload) //nolint:errcheck // best-effort relay
			}
		case streamStderr:
			if stderr != nil {
				stderr.Write(payload) //nolint:errcheck
			}
		case streamExit:
			code := int32(0)
			if len(payload) >= 4 {
				code = int32(binary.BigEndian.Uint32(payload))
			}
			s.exitCh <- types.ExitStatus{Code: code, ExitedAt: time.Now()}
			return
		}
	}
}

// wait blocks until the process exits, satisfying exitmon.WaitHandler.
func (s *execSession) wait(ctx context.Context) (types.ExitStatus, error) {
	select {
	case status, ok := <-s.exitCh:
		s.conn.Close()
		if !ok {
			return types.ExitStatus{}, apierrors.New(apierrors.InternalError, "exec exit already delivered")
		}
		return status, nil
	case <-ctx.Done():
		return types.ExitStatus{}, ctx.Err()
	}
}

const panicExitCode int32 = 255

func writeFrame(w io.Writer, tag streamTag, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(tag)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (streamTag, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	tag := streamTag(header[0])
	n := binary.BigEndian.Uint32(header[1:])
	if n == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}
