package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/control"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// StdIO carries caller standard streams as passed file handles, the
// shape they take once they cross the control channel to the helper
// (in contrast to pkg/sandbox.StdIO, which carries them in-process as
// io.Reader/io.Writer).
type StdIO struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// helperClient is everything the orchestrator needs from a bootstrapped
// sandbox helper, addressed over one control connection. Forwarding
// calls is the one responsibility named for every §4.D operation beyond
// create/delete/list; this is that capability set.
type helperClient interface {
	Bootstrap(ctx context.Context, stdio StdIO) error
	StartProcess(ctx context.Context, id string) error
	CreateProcess(ctx context.Context, id string, spec types.ProcessSpec, stdio StdIO) error
	Kill(ctx context.Context, id string, signal int) error
	Stop(ctx context.Context, signal int, timeout time.Duration) error
	Dial(ctx context.Context, port uint32) (net.Conn, error)
	Wait(ctx context.Context, id string) (types.ExitStatus, error)
	Resize(ctx context.Context, id string, cols, rows int) error
	Logs(ctx context.Context) (stdioLog, bootLog *os.File, err error)
	Stats(ctx context.Context) (types.Resources, error)
	State(ctx context.Context) (types.ContainerStatus, []types.ResolvedAttachment, error)
	Shutdown(ctx context.Context) error
	Close() error
}

// controlClient is the real helperClient, a single control.Conn with
// calls serialized by a mutex. The wire shape only needs one request
// in flight at a time: the orchestrator already serializes a given
// container's helper calls under its own per-container lock.
type controlClient struct {
	conn *control.Conn
}

const defaultCallTimeout = 15 * time.Second

func newControlClient(conn *control.Conn) *controlClient {
	return &controlClient{conn: conn}
}

// dialHelperWithRetry connects to socketPath, retrying while the
// freshly spawned helper has not yet opened its listener.
func dialHelperWithRetry(ctx context.Context, socketPath string) (*controlClient, error) {
	const retryInterval = 50 * time.Millisecond
	deadline := time.Now().Add(10 * time.Second)

	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := control.Dial(socketPath)
		if err == nil {
			return newControlClient(conn), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return nil, apierrors.Wrap(apierrors.Interrupted, "dial helper control socket "+socketPath, lastErr)
}

func (c *controlClient) call(ctx context.Context, route control.Opcode, values control.Values, files []*os.File) (control.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	req := control.Message{ID: c.conn.NextRequestID(), Route: route, Values: values, Files: files}
	if err := c.conn.Send(req); err != nil {
		return control.Message{}, err
	}

	type result struct {
		msg control.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.conn.Recv()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return control.Message{}, r.err
		}
		if err := r.msg.AsError(); err != nil {
			return control.Message{}, err
		}
		return r.msg, nil
	case <-ctx.Done():
		return control.Message{}, apierrors.Wrap(apierrors.Interrupted, "control call "+string(route), ctx.Err())
	}
}

func stdioValuesAndFiles(stdio StdIO) (control.Values, []*os.File) {
	values := control.Values{
		"hasStdin":  stdio.Stdin != nil,
		"hasStdout": stdio.Stdout != nil,
		"hasStderr": stdio.Stderr != nil,
	}
	var files []*os.File
	for _, f := range []*os.File{stdio.Stdin, stdio.Stdout, stdio.Stderr} {
		if f != nil {
			files = append(files, f)
		}
	}
	return values, files
}

func (c *controlClient) Bootstrap(ctx context.Context, stdio StdIO) error {
	values, files := stdioValuesAndFiles(stdio)
	_, err := c.call(ctx, control.OpContainerBootstrap, values, files)
	return err
}

func (c *controlClient) StartProcess(ctx context.Context, id string) error {
	_, err := c.call(ctx, control.OpContainerStartProcess, control.Values{"id": id}, nil)
	return err
}

func (c *controlClient) CreateProcess(ctx context.Context, id string, spec types.ProcessSpec, stdio StdIO) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return apierrors.Wrap(apierrors.InvalidArgument, "encode process spec", err)
	}
	values, files := stdioValuesAndFiles(stdio)
	values["id"] = id
	values["spec"] = data
	_, err = c.call(ctx, control.OpContainerCreateProcess, values, files)
	return err
}

func (c *controlClient) Kill(ctx context.Context, id string, signal int) error {
	_, err := c.call(ctx, control.OpContainerKill, control.Values{"id": id, "signal": int64(signal)}, nil)
	return err
}

func (c *controlClient) Stop(ctx context.Context, signal int, timeout time.Duration) error {
	_, err := c.call(ctx, control.OpContainerStop, control.Values{
		"signal":        int64(signal),
		"timeoutMillis": int64(timeout / time.Millisecond),
	}, nil)
	return err
}

func (c *controlClient) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	msg, err := c.call(ctx, control.OpContainerDial, control.Values{"port": int64(port)}, nil)
	if err != nil {
		return nil, err
	}
	if len(msg.Files) != 1 {
		return nil, apierrors.New(apierrors.InternalError, "dial reply carried no file handle")
	}
	file := msg.Files[0]
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "wrap dial file handle", err)
	}
	return conn, nil
}

func (c *controlClient) Wait(ctx context.Context, id string) (types.ExitStatus, error) {
	msg, err := c.call(ctx, control.OpContainerWait, control.Values{"id": id}, nil)
	if err != nil {
		return types.ExitStatus{}, err
	}
	code, _ := msg.Values["code"].(int64)
	exitedAtNano, _ := msg.Values["exitedAtUnixNano"].(int64)
	return types.ExitStatus{Code: int32(code), ExitedAt: time.Unix(0, exitedAtNano)}, nil
}

func (c *controlClient) Resize(ctx context.Context, id string, cols, rows int) error {
	_, err := c.call(ctx, control.OpContainerResize, control.Values{
		"id": id, "cols": int64(cols), "rows": int64(rows),
	}, nil)
	return err
}

func (c *controlClient) Logs(ctx context.Context) (stdioLog, bootLog *os.File, err error) {
	msg, err := c.call(ctx, control.OpContainerLogs, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(msg.Files) != 2 {
		return nil, nil, apierrors.New(apierrors.InternalError, "logs reply carried unexpected file count")
	}
	return msg.Files[0], msg.Files[1], nil
}

func (c *controlClient) Stats(ctx context.Context) (types.Resources, error) {
	msg, err := c.call(ctx, control.OpContainerStats, nil, nil)
	if err != nil {
		return types.Resources{}, err
	}
	cpus, _ := msg.Values["cpus"].(int64)
	mem, _ := msg.Values["memoryInBytes"].(int64)
	return types.Resources{CPUs: int(cpus), MemoryInBytes: mem}, nil
}

func (c *controlClient) State(ctx context.Context) (types.ContainerStatus, []types.ResolvedAttachment, error) {
	msg, err := c.call(ctx, control.OpContainerState, nil, nil)
	if err != nil {
		return "", nil, err
	}
	status, _ := msg.Values["status"].(string)
	var networks []types.ResolvedAttachment
	if data, ok := msg.Values["networks"].([]byte); ok && len(data) > 0 {
		if jsonErr := json.Unmarshal(data, &networks); jsonErr != nil {
			return "", nil, apierrors.Wrap(apierrors.InternalError, "decode networks", jsonErr)
		}
	}
	return types.ContainerStatus(status), networks, nil
}

func (c *controlClient) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, control.OpContainerShutdown, nil, nil)
	return err
}

func (c *controlClient) Close() error {
	return c.conn.Close()
}
