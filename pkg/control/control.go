// Package control implements the request/reply control channel named
// in §6: a route tag (opcode), a string-keyed bag of typed values, and
// 0-3 passed file handles for standard streams, carried over a local
// UNIX domain socket. Replies are correlated back to their request by
// id so several calls can be in flight on one connection at once.
//
// The wire shape intentionally does not reuse the teacher's gRPC
// surface: gRPC cannot carry raw file descriptors, and stdio handles
// plus vsock dial results are exactly what this channel needs to move.
package control

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// Opcode identifies the operation a request addresses: the canonical
// set named in §6. A runtime handler plugin need not implement every
// opcode.
type Opcode string

const (
	OpContainerCreate        Opcode = "containerCreate"
	OpContainerList          Opcode = "containerList"
	OpContainerBootstrap     Opcode = "containerBootstrap"
	OpContainerCreateProcess Opcode = "containerCreateProcess"
	OpContainerStartProcess  Opcode = "containerStartProcess"
	OpContainerKill          Opcode = "containerKill"
	OpContainerStop          Opcode = "containerStop"
	OpContainerDelete        Opcode = "containerDelete"
	OpContainerDial          Opcode = "containerDial"
	OpContainerLogs          Opcode = "containerLogs"
	OpContainerStats         Opcode = "containerStats"
	OpContainerWait          Opcode = "containerWait"
	OpContainerResize        Opcode = "containerResize"
	OpContainerState         Opcode = "containerState"
	OpContainerShutdown      Opcode = "containerShutdown"
	OpContainerDiskUsage     Opcode = "containerDiskUsage"
	OpContainerExport        Opcode = "containerExport"
	OpSystemDiskUsage        Opcode = "systemDiskUsage"
	OpVolumeList             Opcode = "volumeList"
	OpVolumeCreate           Opcode = "volumeCreate"
	OpVolumeDelete           Opcode = "volumeDelete"
	OpVolumeInspect          Opcode = "volumeInspect"
	OpNetworkCreate          Opcode = "networkCreate"
	OpNetworkDelete          Opcode = "networkDelete"
	OpNetworkList            Opcode = "networkList"
	OpNetworkInspect         Opcode = "networkInspect"
)

// Endpoint is an opaque address value (the result of a dial, say) the
// bag can carry without resorting to a bare string.
type Endpoint struct {
	Network string
	Address string
}

func init() {
	// Values holds its entries as interface{}; gob requires every
	// concrete type that crosses an interface boundary to be
	// registered, even the built-in ones named in Values' own doc
	// comment.
	gob.Register(string(""))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(Endpoint{})
}

// Values is the typed value bag a request or reply carries: string,
// int64, uint64, bool, []byte ("data"), or Endpoint. File handles
// travel out-of-band as Message.Files, never inside Values.
type Values map[string]any

// Message is one request or one reply. ID correlates a reply to its
// request; Err is set on a reply that failed.
type Message struct {
	ID     uint64
	Route  Opcode
	Values Values
	// Files holds at most maxPassedFiles passed file handles
	// (stdin/stdout/stderr, or a dialed stream's single handle).
	Files []*os.File
	Err   *wireError
}

type wireError struct {
	Code    apierrors.Code
	Message string
}

func newWireError(err error) *wireError {
	if err == nil {
		return nil
	}
	return &wireError{Code: apierrors.CodeOf(err), Message: err.Error()}
}

// AsError reconstructs a classified error from a reply's Err field, or
// nil if the reply succeeded.
func (msg Message) AsError() error {
	if msg.Err == nil {
		return nil
	}
	return apierrors.New(msg.Err.Code, msg.Err.Message)
}

// NewReply builds a success reply correlated to req.
func NewReply(req Message, values Values, files []*os.File) Message {
	return Message{ID: req.ID, Route: req.Route, Values: values, Files: files}
}

// NewErrorReply builds a failure reply correlated to req.
func NewErrorReply(req Message, err error) Message {
	return Message{ID: req.ID, Route: req.Route, Err: newWireError(err)}
}

const maxPassedFiles = 3

// maxFrameBytes bounds one envelope so a single ReadMsgUnix call can
// always capture it whole; control messages are metadata, never bulk
// data, so this comfortably covers every opcode's value bag.
const maxFrameBytes = 64 * 1024

// gobEnvelope is the part of Message that travels as a gob-encoded,
// length-prefixed header; Files travel as SCM_RIGHTS ancillary data
// attached to the very same socket write.
type gobEnvelope struct {
	ID     uint64
	Route  Opcode
	Values Values
	Err    *wireError
}

// Conn is one end of a control channel. Send is safe for concurrent
// use; Recv must only be called from a single reader goroutine (a
// dispatch loop owns it and fans replies out to waiting callers).
type Conn struct {
	uc *net.UnixConn

	wmu sync.Mutex

	nextID atomic.Uint64
}

// NewConn wraps a connected *net.UnixConn.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// NextRequestID returns a fresh, connection-local correlation id.
func (c *Conn) NextRequestID() uint64 {
	return c.nextID.Add(1)
}

// Send writes one message (request or reply) to the peer, attaching
// any passed files as SCM_RIGHTS ancillary data on the same write.
func (c *Conn) Send(msg Message) error {
	if len(msg.Files) > maxPassedFiles {
		return apierrors.New(apierrors.InvalidArgument,
			fmt.Sprintf("control message carries %d file handles, max is %d", len(msg.Files), maxPassedFiles))
	}

	env := gobEnvelope{ID: msg.ID, Route: msg.Route, Values: msg.Values, Err: msg.Err}

	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(env); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "encode control message", err)
	}
	if body.Len() > maxFrameBytes-4 {
		return apierrors.New(apierrors.InvalidArgument, "control message exceeds the maximum frame size")
	}

	var framed bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	framed.Write(lenPrefix[:])
	framed.Write(body.Bytes())

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if len(msg.Files) == 0 {
		if _, err := c.uc.Write(framed.Bytes()); err != nil {
			return apierrors.Wrap(apierrors.InternalError, "write control message", err)
		}
		return nil
	}

	rights := unixRights(msg.Files)
	if _, _, err := c.uc.WriteMsgUnix(framed.Bytes(), rights, nil); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "write control message with file handles", err)
	}
	return nil
}

// Recv reads the next message from the peer, reconstructing any passed
// file handles from ancillary data.
func (c *Conn) Recv() (Message, error) {
	buf := make([]byte, maxFrameBytes)
	oob := make([]byte, unixRightsBufferSize(maxPassedFiles))

	n, oobn, err := readMsgUnix(c.uc, buf, oob)
	if err != nil {
		return Message{}, err
	}
	if n < 4 {
		return Message{}, apierrors.New(apierrors.InternalError, "control message shorter than its length prefix")
	}

	frameLen := int(binary.BigEndian.Uint32(buf[:4]))
	if 4+frameLen > n {
		return Message{}, apierrors.New(apierrors.InternalError, "control message truncated")
	}

	var env gobEnvelope
	if err := gob.NewDecoder(bytes.NewReader(buf[4 : 4+frameLen])).Decode(&env); err != nil {
		return Message{}, apierrors.Wrap(apierrors.InternalError, "decode control message", err)
	}

	files, err := parseUnixRights(oob[:oobn])
	if err != nil {
		return Message{}, apierrors.Wrap(apierrors.InternalError, "parse passed file handles", err)
	}

	return Message{ID: env.ID, Route: env.Route, Values: env.Values, Files: files, Err: env.Err}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.uc.Close() }

// Dial connects to a control socket at path, the convention every
// helper listens on inside its own bundle directory.
func Dial(path string) (*Conn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidArgument, "resolve control socket address", err)
	}
	uc, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.Interrupted, "dial control socket "+path, err)
	}
	return NewConn(uc), nil
}

// Listen opens a control socket at path for a helper to accept
// connections on, removing any stale socket file left behind by a
// prior process first.
func Listen(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidArgument, "resolve control socket address", err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "listen on control socket "+path, err)
	}
	return l, nil
}
