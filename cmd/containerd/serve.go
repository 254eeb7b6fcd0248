//go:build darwin

package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/control"
	"github.com/hyperbox/sandboxd/pkg/orchestrator"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/volume"
)

const controlSocketName = "control.sock"

// serveControl listens on <root>/control.sock and dispatches every
// container* opcode to the Orchestrator and every volume* opcode to the
// volume store. Network and image opcodes, and containerExport, are out
// of scope for this daemon (their service internals are not
// implemented here) and always answer Unsupported.
func serveControl(ctx context.Context, root string, o *orchestrator.Orchestrator, volumes *volume.Store, logger zerolog.Logger) error {
	listener, err := control.Listen(filepath.Join(root, controlSocketName))
	if err != nil {
		return err
	}
	defer listener.Close()

	for {
		uc, err := listener.Accept()
		if err != nil {
			return apierrors.Wrap(apierrors.Interrupted, "accept control connection", err)
		}
		conn := control.NewConn(uc.(*net.UnixConn))
		go handleConn(ctx, conn, o, volumes, logger)
	}
}

func handleConn(ctx context.Context, conn *control.Conn, o *orchestrator.Orchestrator, volumes *volume.Store, logger zerolog.Logger) {
	defer conn.Close()
	for {
		req, err := conn.Recv()
		if err != nil {
			return
		}
		go func(req control.Message) {
			reply := dispatch(ctx, req, o, volumes)
			if sendErr := conn.Send(reply); sendErr != nil {
				logger.Warn().Err(sendErr).Str("route", string(req.Route)).Msg("failed to send control reply")
			}
			// SCM_RIGHTS duplicates each fd into the peer's process
			// during Send; this process's copies are no longer needed
			// once Send has returned.
			for _, f := range reply.Files {
				f.Close()
			}
		}(req)
	}
}

func dispatch(ctx context.Context, req control.Message, o *orchestrator.Orchestrator, volumes *volume.Store) control.Message {
	switch req.Route {
	case control.OpContainerCreate:
		var config types.ContainerConfiguration
		var options types.BundleOptions
		var kernel orchestrator.KernelSource
		if data, ok := req.Values["config"].([]byte); ok {
			if err := json.Unmarshal(data, &config); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode container configuration", err))
			}
		}
		if data, ok := req.Values["options"].([]byte); ok {
			if err := json.Unmarshal(data, &options); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode bundle options", err))
			}
		}
		kernel.Path, _ = req.Values["kernelPath"].(string)
		snapshot, err := o.Create(ctx, config, kernel, options)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode container snapshot", err))
		}
		return control.NewReply(req, control.Values{"snapshot": data}, nil)

	case control.OpContainerList:
		data, err := json.Marshal(o.List())
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode container list", err))
		}
		return control.NewReply(req, control.Values{"snapshots": data}, nil)

	case control.OpContainerDelete:
		id, _ := req.Values["id"].(string)
		force, _ := req.Values["force"].(bool)
		if err := o.Delete(ctx, id, force); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerBootstrap:
		id, _ := req.Values["id"].(string)
		stdio := fileStdio(req)
		if err := o.Bootstrap(ctx, id, orchestrator.StdIO(stdio)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerStartProcess:
		id, _ := req.Values["id"].(string)
		processID, _ := req.Values["processID"].(string)
		if err := o.StartProcess(ctx, id, processID); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerCreateProcess:
		id, _ := req.Values["id"].(string)
		processID, _ := req.Values["processID"].(string)
		var spec types.ProcessSpec
		if data, ok := req.Values["spec"].([]byte); ok {
			if err := json.Unmarshal(data, &spec); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode process spec", err))
			}
		}
		stdio := fileStdio(req)
		if err := o.CreateProcess(ctx, id, processID, spec, orchestrator.StdIO(stdio)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerKill:
		id, _ := req.Values["id"].(string)
		processID, _ := req.Values["processID"].(string)
		signal, _ := req.Values["signal"].(int64)
		if err := o.Kill(ctx, id, processID, int(signal)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerStop:
		id, _ := req.Values["id"].(string)
		signal, _ := req.Values["signal"].(int64)
		timeoutMillis, _ := req.Values["timeoutMillis"].(int64)
		if err := o.Stop(ctx, id, int(signal), time.Duration(timeoutMillis)*time.Millisecond); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerDial:
		id, _ := req.Values["id"].(string)
		port, _ := req.Values["port"].(int64)
		upstream, err := o.Dial(ctx, id, uint32(port))
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
		processID, _ := req.Values["processID"].(string)
		status, err := o.Wait(ctx, id, processID)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"code":             int64(status.Code),
			"exitedAtUnixNano": status.ExitedAt.UnixNano(),
		}, nil)

	case control.OpContainerResize:
		id, _ := req.Values["id"].(string)
		processID, _ := req.Values["processID"].(string)
		cols, _ := req.Values["cols"].(int64)
		rows, _ := req.Values["rows"].(int64)
		if err := o.Resize(ctx, id, processID, int(cols), int(rows)); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	case control.OpContainerLogs:
		id, _ := req.Values["id"].(string)
		stdioLog, bootLog, err := o.Logs(ctx, id)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		stdioFile, ok1 := stdioLog.(*os.File)
		bootFile, ok2 := bootLog.(*os.File)
		if !ok1 || !ok2 {
			return control.NewErrorReply(req, apierrors.New(apierrors.InternalError, "log handles are not transferable files"))
		}
		return control.NewReply(req, nil, []*os.File{stdioFile, bootFile})

	case control.OpContainerStats:
		id, _ := req.Values["id"].(string)
		stats, err := o.Stats(ctx, id)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"cpus":          int64(stats.CPUs),
			"memoryInBytes": stats.MemoryInBytes,
		}, nil)

	case control.OpContainerDiskUsage:
		id, _ := req.Values["id"].(string)
		usage, err := o.DiskUsage(ctx, id)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"apparentBytes":  usage.ApparentBytes,
			"allocatedBytes": usage.AllocatedBytes,
		}, nil)

	case control.OpSystemDiskUsage:
		usage, err := o.SystemDiskUsage(ctx)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, control.Values{
			"apparentBytes":  usage.ApparentBytes,
			"allocatedBytes": usage.AllocatedBytes,
		}, nil)

	case control.OpContainerExport:
		return control.NewErrorReply(req, apierrors.New(apierrors.Unsupported, "opcode "+string(req.Route)+" is not implemented"))

	case control.OpVolumeCreate:
		name, _ := req.Values["name"].(string)
		sizeInBytes, _ := req.Values["sizeInBytes"].(int64)
		anonymous, _ := req.Values["isAnonymous"].(bool)
		var labels, options map[string]string
		if data, ok := req.Values["labels"].([]byte); ok {
			if err := json.Unmarshal(data, &labels); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode volume labels", err))
			}
		}
		if data, ok := req.Values["options"].([]byte); ok {
			if err := json.Unmarshal(data, &options); err != nil {
				return control.NewErrorReply(req, apierrors.Wrap(apierrors.InvalidArgument, "decode volume options", err))
			}
		}
		v, err := volumes.Create(volume.CreateOptions{
			Name:        name,
			Labels:      labels,
			Options:     options,
			SizeInBytes: sizeInBytes,
			IsAnonymous: anonymous,
		})
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode volume", err))
		}
		return control.NewReply(req, control.Values{"volume": data}, nil)

	case control.OpVolumeInspect:
		name, _ := req.Values["name"].(string)
		v, err := volumes.Inspect(name)
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode volume", err))
		}
		return control.NewReply(req, control.Values{"volume": data}, nil)

	case control.OpVolumeList:
		list, err := volumes.List()
		if err != nil {
			return control.NewErrorReply(req, err)
		}
		data, err := json.Marshal(list)
		if err != nil {
			return control.NewErrorReply(req, apierrors.Wrap(apierrors.InternalError, "encode volume list", err))
		}
		return control.NewReply(req, control.Values{"volumes": data}, nil)

	case control.OpVolumeDelete:
		name, _ := req.Values["name"].(string)
		if err := volumes.Delete(name); err != nil {
			return control.NewErrorReply(req, err)
		}
		return control.NewReply(req, nil, nil)

	default:
		return control.NewErrorReply(req, apierrors.New(apierrors.Unsupported, "unsupported opcode "+string(req.Route)))
	}
}

func fileStdio(req control.Message) stdioFiles {
	var stdio stdioFiles
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

type stdioFiles struct {
	Stdin, Stdout, Stderr *os.File
}

func splice(local net.Conn, upstream net.Conn) {
	defer local.Close()
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, local); done <- struct{}{} }() //nolint:errcheck // connection close ends the copy
	go func() { io.Copy(local, upstream); done <- struct{}{} }() //nolint:errcheck
	<-done
}
