package control

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// unixRights builds the SCM_RIGHTS ancillary payload carrying files'
// descriptors.
func unixRights(files []*os.File) []byte {
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	return unix.UnixRights(fds...)
}

// unixRightsBufferSize returns an oob buffer large enough to hold the
// SCM_RIGHTS control message for up to n descriptors (each an int-sized
// fd), mirroring how unix.UnixRights sizes its own output.
func unixRightsBufferSize(n int) int {
	return unix.CmsgSpace(n * 4)
}

// parseUnixRights extracts passed file descriptors from raw ancillary
// data and wraps each as an *os.File. An empty oob yields a nil slice.
func parseUnixRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var files []*os.File
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return nil, err
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "control-passed-fd"))
		}
	}
	return files, nil
}

// readMsgUnix performs one ReadMsgUnix call, classifying a peer close
// as apierrors.Interrupted so callers can distinguish a clean shutdown
// from a genuine transport failure.
func readMsgUnix(uc *net.UnixConn, buf, oob []byte) (n, oobn int, err error) {
	n, oobn, _, _, err = uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, 0, apierrors.Wrap(apierrors.Interrupted, "read control message", err)
	}
	if n == 0 && oobn == 0 {
		return 0, 0, apierrors.New(apierrors.Interrupted, "control connection closed by peer")
	}
	return n, oobn, nil
}

// Socketpair returns a connected local/remote pair where local is used
// in-process (e.g. spliced against a vsock stream) and remote is
// handed to Send as a passed file so a dial result can cross the
// control channel, the same SCM_RIGHTS path stdio handles use.
func Socketpair() (local net.Conn, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, apierrors.Wrap(apierrors.InternalError, "create socketpair", err)
	}
	localFile := os.NewFile(uintptr(fds[0]), "control-dial-local")
	remote = os.NewFile(uintptr(fds[1]), "control-dial-remote")

	localConn, err := net.FileConn(localFile)
	localFile.Close()
	if err != nil {
		remote.Close()
		return nil, nil, apierrors.Wrap(apierrors.InternalError, "wrap socketpair local end", err)
	}
	return localConn, remote, nil
}
