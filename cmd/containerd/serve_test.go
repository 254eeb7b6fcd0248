//go:build darwin

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/control"
	"github.com/hyperbox/sandboxd/pkg/imageref"
	"github.com/hyperbox/sandboxd/pkg/orchestrator"
	"github.com/hyperbox/sandboxd/pkg/servicemgr"
	"github.com/hyperbox/sandboxd/pkg/types"
	"github.com/hyperbox/sandboxd/pkg/volume"
)

type noopServices struct{}

func (noopServices) Register(ctx context.Context, spec servicemgr.Spec) error { return nil }
func (noopServices) Deregister(ctx context.Context, label string) error      { return nil }
func (noopServices) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func newTestDaemon(t *testing.T) (*orchestrator.Orchestrator, *volume.Store) {
	t.Helper()
	root := t.TempDir()

	images := newLocalImageStore(root)
	ref, err := imageref.Parse("test:latest")
	if err != nil {
		t.Fatal(err)
	}
	imageDir := filepath.Join(root, "images", key(ref))
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(imageDir, "manifest.img"), []byte("snap"), 0o644); err != nil {
		t.Fatal(err)
	}
	entity := imageEntity{Reference: ref.String(), Digest: "sha256:deadbeef", SizeInBytes: 4}
	data, err := json.Marshal(entity)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(imageDir, "entity.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	initfsDir := filepath.Join(root, "initfs")
	if err := os.MkdirAll(initfsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(initfsDir, "linux-arm64.img"), []byte("initfs"), 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := orchestrator.New(context.Background(), orchestrator.Config{
		Root:            root,
		LabelPrefix:     "com.example.test",
		HelperPath:      "/bin/true",
		Images:          images,
		Initfs:          newLocalInitfsProvider(root),
		Services:        noopServices{},
		ShutdownTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	volumes, err := volume.NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	return o, volumes
}

func testConfig(id string) types.ContainerConfiguration {
	return types.ContainerConfiguration{
		ID:       id,
		Image:    "test:latest",
		Platform: types.Platform{OS: "linux", Arch: "arm64"},
	}
}

func TestDispatchVolumeLifecycle(t *testing.T) {
	o, volumes := newTestDaemon(t)
	ctx := context.Background()

	createReq := control.Message{Route: control.OpVolumeCreate, Values: control.Values{"name": "data", "isAnonymous": false}}
	createReply := dispatch(ctx, createReq, o, volumes)
	if createReply.AsError() != nil {
		t.Fatalf("volume create: %v", createReply.AsError())
	}

	listReply := dispatch(ctx, control.Message{Route: control.OpVolumeList}, o, volumes)
	if listReply.AsError() != nil {
		t.Fatalf("volume list: %v", listReply.AsError())
	}
	var list []types.Volume
	if err := json.Unmarshal(listReply.Values["volumes"].([]byte), &list); err != nil {
		t.Fatalf("decode volume list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "data" {
		t.Fatalf("want one volume named data, got %+v", list)
	}

	inspectReply := dispatch(ctx, control.Message{Route: control.OpVolumeInspect, Values: control.Values{"name": "data"}}, o, volumes)
	if inspectReply.AsError() != nil {
		t.Fatalf("volume inspect: %v", inspectReply.AsError())
	}

	deleteReply := dispatch(ctx, control.Message{Route: control.OpVolumeDelete, Values: control.Values{"name": "data"}}, o, volumes)
	if deleteReply.AsError() != nil {
		t.Fatalf("volume delete: %v", deleteReply.AsError())
	}

	afterDelete := dispatch(ctx, control.Message{Route: control.OpVolumeInspect, Values: control.Values{"name": "data"}}, o, volumes)
	if apierrors.CodeOf(afterDelete.AsError()) != apierrors.NotFound {
		t.Fatalf("inspecting a deleted volume: want NotFound, got %v", afterDelete.AsError())
	}
}

func TestDispatchContainerDiskUsage(t *testing.T) {
	o, volumes := newTestDaemon(t)
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), orchestrator.KernelSource{Path: writeFakeKernel(t)}, types.BundleOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	reply := dispatch(ctx, control.Message{Route: control.OpContainerDiskUsage, Values: control.Values{"id": "c1"}}, o, volumes)
	if reply.AsError() != nil {
		t.Fatalf("container disk usage: %v", reply.AsError())
	}
	if apparent, _ := reply.Values["apparentBytes"].(int64); apparent <= 0 {
		t.Fatalf("want a positive apparent byte count, got %v", reply.Values["apparentBytes"])
	}

	sysReply := dispatch(ctx, control.Message{Route: control.OpSystemDiskUsage}, o, volumes)
	if sysReply.AsError() != nil {
		t.Fatalf("system disk usage: %v", sysReply.AsError())
	}
}

func TestDispatchUnsupportedOpcodes(t *testing.T) {
	o, volumes := newTestDaemon(t)
	ctx := context.Background()

	for _, route := range []control.Opcode{control.OpContainerExport, control.OpNetworkCreate, control.OpNetworkDelete, control.OpNetworkList, control.OpNetworkInspect} {
		reply := dispatch(ctx, control.Message{Route: route}, o, volumes)
		if apierrors.CodeOf(reply.AsError()) != apierrors.Unsupported {
			t.Fatalf("%s: want Unsupported, got %v", route, reply.AsError())
		}
	}
}

func writeFakeKernel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-kernel")
	if err := os.WriteFile(path, []byte("kernel"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
