//go:build darwin

package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/control"
	"github.com/hyperbox/sandboxd/pkg/sandbox"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// serveLoop accepts control connections (in practice just the
// orchestrator, reconnecting across helper restarts) and dispatches
// every received message to the sandbox. A connection's requests are
// read serially, but each is handled and replied to concurrently: the
// sandbox serializes its own state transitions, and control.Conn.Send
// already serializes concurrent writers.
func serveLoop(listener net.Listener, sb *sandbox.Sandbox, logger zerolog.Logger) error {
	for {
		uc, err := listener.Accept()
		if err != nil {
			return apierrors.Wrap(apierrors.Interrupted, "accept control connection", err)
		}
		conn := control.NewConn(uc.(*net.UnixConn))
		go handleConn(conn, sb, logger)
	}
}

func handleConn(conn *control.Conn, sb *sandbox.Sandbox, logger zerolog.Logger) {
	defer conn.Close()
	for {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		go func(req control.Message) {
			reply := dispatch(req, sb)
			if sendErr := conn.Send(reply); sendErr != nil {
				logger.Warn().Err(sendErr).Str("route", string(req.Route)).Msg("failed to send control reply")
			}
			// SCM_RIGHTS duplicates each fd into the peer's process
			// during Send; this process's copies are no longer needed
			// once Send has returned (successfully or not).
			for _, f := range reply.Files {
				f.Close()
			}
		}(req)
	}
}

func dispatch(req control.Message, sb *sandbox.Sandbox) control.Message {
	ctx := context.Background()

	switch req.Route {
	case control.OpContainerBootstrap:
		stdio := fileStdio(req)
		if err := sb.Bootstrap(ctx, stdio); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerStartProcess:
		id, _ := req.Values["id"].(string)
		if err := sb.StartProcess(ctx, id); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerCreateProcess:
		id, _ := req.Values["id"].(string)
		var spec types.ProcessSpec
		if data, ok := req.Values["spec"].([]byte); ok {
			if err := json.Unmarshal(data, &spec); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode process spec", err))
			}
		}
		stdio := fileStdio(req)
		if err := sb.CreateProcess(ctx, id, spec, stdio); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerKill:
		id, _ := req.Values["id"].(string)
		signal, _ := req.Values["signal"].(int64)
		if err := sb.Kill(ctx, id, int(signal)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerStop:
		signal, _ := req.Values["signal"].(int64)
		timeoutMillis, _ := req.Values["timeoutMillis"].(int64)
		if err := sb.Stop(ctx, int(signal), time.Duration(timeoutMillis)*time.Millisecond); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerDial:
		port, _ := req.Values["port"].(int64)
		upstream, err := sb.Dial(ctx, uint32(port))
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		local, remote, err := control.Socketpair()
		if err != nil {
			upstream.Close()
			return control.NewErrorReply(req, err)
		}
		go splice(local, upstream)
		return control.NewReply(req, nil, []*os.File{remote})

	case control.OpContainerWait:
		id, _ := req.Values["id"].(string)
		status, err := sb.Wait(ctx, id)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"code":             int64(status.Code),
			"exitedAtUnixNano": status.ExitedAt.UnixNano(),
		}, nil)

	case control.OpContainerResize:
		id, _ := req.Values["id"].(string)
		cols, _ := req.Values["cols"].(int64)
		rows, _ := req.Values["rows"].(int64)
		if err := sb.Resize(ctx, id, int(cols), int(rows)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerLogs:
		stdioLog, bootLog, err := sb.Logs(ctx)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, []*os.File{stdioLog, bootLog})

	case control.OpContainerStats:
		stats, err := sb.Stats(ctx)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"cpus":          int64(stats.CPUs),
			"memoryInBytes": stats.MemoryInBytes,
		}, nil)

	case control.OpContainerState:
		snap, err := sb.State(ctx)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		networksJSON, err := json.Marshal(snap.Networks)
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode networks", err))
		}
		return control.NewReply(req, control.Values{
			"status":   containerStatus(snap.State),
			"networks": networksJSON,
		}, nil)

	case control.OpContainerShutdown:
		if err := sb.Shutdown(ctx); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	default:
		return control.NewErrorReply(req, apierrors.New(apierrors.Unsupported, "unsupported opcode "+string(req.Route)))
	}
}

// containerStatus maps a sandbox.State onto the ContainerStatus the
// orchestrator persists in its snapshot, folding booted/shuttingDown
// into the nearest externally visible state.
func containerStatus(s sandbox.State) string {
	switch s {
	case sandbox.StateRunning:
		return string(types.ContainerStatusRunning)
	case sandbox.StateStopping:
		return string(types.ContainerStatusStopping)
	case sandbox.StateCreated, sandbox.StateBooted, sandbox.StateStopped, sandbox.StateShuttingDown:
		return string(types.ContainerStatusStopped)
	default:
		return string(types.ContainerStatusUnknown)
	}
}

func fileStdio(req control.Message) sandbox.StdIO {
	var stdio sandbox.StdIO
	files := req.Files
	if hasStdin, _ := req.Values["hasStdin"].(bool); hasStdin && len(files) > 0 {
		stdio.Stdin, files = files[0], files[1:]
	}
	if hasStdout, _ := req.Values["hasStdout"].(bool); hasStdout && len(files) > 0 {
		stdio.Stdout, files = files[0], files[1:]
	}
	if hasStderr, _ := req.Values["hasStderr"].(bool); hasStderr && len(files) > 0 {
		stdio.Stderr = files[0]
	}
	return stdio
}

// splice pumps bytes between local (the orchestrator-facing half of a
// dial socketpair) and upstream (the guest vsock stream) until either
// side closes, mirroring pkg/portforward's spliceTCP.
func splice(local net.Conn, upstream net.Conn) {
	defer local.Close()
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, local); done <- struct{}{} }()  //nolint:errcheck // connection close ends the copy
	go func() { io.Copy(local, upstream); done <- struct{}{} }()  //nolint:errcheck
	<-done
}
