package orchestrator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/exitmon"
	"github.com/hyperbox/sandboxd/pkg/imageref"
	"github.com/hyperbox/sandboxd/pkg/servicemgr"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// fakeServices is an in-memory servicemgr.Manager, recording every
// registration and deregistration a test observes.
type fakeServices struct {
	mu        sync.Mutex
	registered map[string]servicemgr.Spec
}

func newFakeServices() *fakeServices {
	return &fakeServices{registered: make(map[string]servicemgr.Spec)}
}

func (f *fakeServices) Register(ctx context.Context, spec servicemgr.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[spec.Label] = spec
	return nil
}

func (f *fakeServices) Deregister(ctx context.Context, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, label)
	return nil
}

func (f *fakeServices) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for l := range f.registered {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeServices) has(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[label]
	return ok
}

// fakeImages always hands back a Snapshot pointing at a tiny file this
// test creates, so cloneRootfs has something to "clone".
type fakeImages struct {
	snapshotPath string
}

func (f *fakeImages) List(ctx context.Context) ([]imageref.Descriptor, error) { return nil, nil }
func (f *fakeImages) Get(ctx context.Context, ref name.Reference) (imageref.Descriptor, error) {
	return imageref.Descriptor{}, nil
}
func (f *fakeImages) Pull(ctx context.Context, ref name.Reference, platform v1.Platform, opts imageref.PullOptions) error {
	return nil
}
func (f *fakeImages) GetCreateSnapshot(ctx context.Context, ref name.Reference, platform v1.Platform) (imageref.Snapshot, error) {
	return imageref.Snapshot{ImagePath: f.snapshotPath, SizeInBytes: 1024}, nil
}

// fakeInitfs fetches a tiny file already materialized on disk.
type fakeInitfs struct {
	path string
}

func (f *fakeInitfs) Fetch(ctx context.Context, platform types.Platform) (string, error) {
	return f.path, nil
}

// fakeHelperClient is a fully in-memory helperClient, letting tests
// drive bootstrap/start/stop/wait without a real sandbox-helper
// process on the other end of a control channel.
type fakeHelperClient struct {
	mu       sync.Mutex
	closed   bool
	exitOnce sync.Once
	exitCh   chan types.ExitStatus

	bootstrapErr error
}

func newFakeHelperClient() *fakeHelperClient {
	return &fakeHelperClient{exitCh: make(chan types.ExitStatus, 1)}
}

func (f *fakeHelperClient) Bootstrap(ctx context.Context, stdio StdIO) error { return f.bootstrapErr }
func (f *fakeHelperClient) StartProcess(ctx context.Context, id string) error { return nil }
func (f *fakeHelperClient) CreateProcess(ctx context.Context, id string, spec types.ProcessSpec, stdio StdIO) error {
	return nil
}
func (f *fakeHelperClient) Kill(ctx context.Context, id string, signal int) error { return nil }
func (f *fakeHelperClient) Stop(ctx context.Context, signal int, timeout time.Duration) error {
	f.exitOnce.Do(func() { f.exitCh <- types.ExitStatus{Code: 137, ExitedAt: time.Now()} })
	return nil
}
func (f *fakeHelperClient) Dial(ctx context.Context, port uint32) (net.Conn, error) { return nil, nil }
func (f *fakeHelperClient) Wait(ctx context.Context, id string) (types.ExitStatus, error) {
	select {
	case s := <-f.exitCh:
		return s, nil
	case <-ctx.Done():
		return types.ExitStatus{}, ctx.Err()
	}
}
func (f *fakeHelperClient) Resize(ctx context.Context, id string, cols, rows int) error { return nil }
func (f *fakeHelperClient) Logs(ctx context.Context) (*os.File, *os.File, error)        { return nil, nil, nil }
func (f *fakeHelperClient) Stats(ctx context.Context) (types.Resources, error)          { return types.Resources{}, nil }
func (f *fakeHelperClient) State(ctx context.Context) (types.ContainerStatus, []types.ResolvedAttachment, error) {
	return types.ContainerStatusRunning, nil, nil
}
func (f *fakeHelperClient) Shutdown(ctx context.Context) error { return nil }
func (f *fakeHelperClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestOrchestrator(t *testing.T, clients map[string]*fakeHelperClient) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()

	snapshotPath := filepath.Join(root, "fake-image.img")
	if err := os.WriteFile(snapshotPath, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}
	initfsPath := filepath.Join(root, "fake-initfs")
	if err := os.WriteFile(initfsPath, []byte("initfs"), 0o644); err != nil {
		t.Fatal(err)
	}
	kernelPath := filepath.Join(root, "fake-kernel")
	if err := os.WriteFile(kernelPath, []byte("kernel"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig := cloneRootfs
	cloneRootfs = func(src, dst string) error {
		return os.WriteFile(dst, []byte("rootfs"), 0o644)
	}
	t.Cleanup(func() { cloneRootfs = orig })

	cfg := Config{
		Root:        root,
		LabelPrefix: "com.example.sandbox",
		HelperPath:  "/usr/local/bin/sandbox-helper",
		Images:      &fakeImages{snapshotPath: snapshotPath},
		Initfs:      &fakeInitfs{path: initfsPath},
		Services:    newFakeServices(),
		ExitMonitor: exitmon.New(),
	}
	o, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.dialHelper = func(ctx context.Context, socketPath string) (helperClient, error) {
		id := filepath.Base(filepath.Dir(socketPath))
		if c, ok := clients[id]; ok {
			return c, nil
		}
		return nil, apierrors.New(apierrors.NotFound, "no fake client for "+socketPath)
	}
	return o, kernelPath
}

func testConfig(id string) types.ContainerConfiguration {
	return types.ContainerConfiguration{
		ID:             id,
		Image:          "docker.io/library/busybox:latest",
		Platform:       types.Platform{Arch: "arm64"},
		RuntimeHandler: "linux",
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	o, kernel := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); apierrors.CodeOf(err) != apierrors.Exists {
		t.Fatalf("second create: want Exists, got %v", err)
	}
}

func TestCreateRejectsHostnameCollision(t *testing.T) {
	o, kernel := newTestOrchestrator(t, nil)
	ctx := context.Background()

	cfg1 := testConfig("c1")
	cfg1.Networks = []types.NetworkAttachConfig{{Network: "default", Hostname: "web"}}
	if _, err := o.Create(ctx, cfg1, KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	cfg2 := testConfig("c2")
	cfg2.Networks = []types.NetworkAttachConfig{{Network: "default", Hostname: "web"}}
	_, err := o.Create(ctx, cfg2, KernelSource{Path: kernel}, types.BundleOptions{})
	if apierrors.CodeOf(err) != apierrors.Exists {
		t.Fatalf("colliding hostname create: want Exists, got %v", err)
	}

	list := o.List()
	if len(list) != 1 {
		t.Fatalf("want exactly one surviving container, got %d", len(list))
	}
}

func TestCreateUnwindsOnFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: filepath.Join(t.TempDir(), "missing-kernel")}, types.BundleOptions{})
	if err == nil {
		t.Fatal("expected create to fail for a missing kernel path")
	}
	if len(o.List()) != 0 {
		t.Fatalf("want no reserved container after an unwound create, got %d", len(o.List()))
	}
	if _, err := o.entry("c1"); apierrors.CodeOf(err) != apierrors.NotFound {
		t.Fatalf("want the reservation rolled back, got %v", err)
	}
}

func TestDiskUsage(t *testing.T) {
	o, kernel := newTestOrchestrator(t, nil)
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	usage, err := o.DiskUsage(ctx, "c1")
	if err != nil {
		t.Fatalf("disk usage: %v", err)
	}
	if usage.ApparentBytes <= 0 {
		t.Fatalf("want a non-zero bundle size, got %+v", usage)
	}

	if _, err := o.DiskUsage(ctx, "missing"); apierrors.CodeOf(err) != apierrors.NotFound {
		t.Fatalf("disk usage of a missing container: want NotFound, got %v", err)
	}

	systemUsage, err := o.SystemDiskUsage(ctx)
	if err != nil {
		t.Fatalf("system disk usage: %v", err)
	}
	if systemUsage.ApparentBytes < usage.ApparentBytes {
		t.Fatalf("system usage %+v should be at least container usage %+v", systemUsage, usage)
	}
}

// TestBootstrapStartStopLifecycle drives a container through
// stopped->running->stopped and checks List reflects each transition
// (P1) and that the service registered for it survives the whole
// lifecycle until an explicit delete.
func TestBootstrapStartStopLifecycle(t *testing.T) {
	client := newFakeHelperClient()
	o, kernel := newTestOrchestrator(t, map[string]*fakeHelperClient{"c1": client})
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	assertStatus(t, o, "c1", types.ContainerStatusStopped)

	if err := o.Bootstrap(ctx, "c1", StdIO{}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := o.StartProcess(ctx, "c1", "c1"); err != nil {
		t.Fatalf("start process: %v", err)
	}
	assertStatus(t, o, "c1", types.ContainerStatusRunning)

	if err := o.Stop(ctx, "c1", 15, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	assertStatus(t, o, "c1", types.ContainerStatusStopped)

	services := o.cfg.Services.(*fakeServices)
	label := servicemgr.Label("com.example.sandbox", "linux", "c1")
	if !services.has(label) {
		t.Fatalf("want service %s still registered after stop", label)
	}
	if err := o.Delete(ctx, "c1", false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if services.has(label) {
		t.Fatalf("want service %s deregistered after delete", label)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client := newFakeHelperClient()
	o, kernel := newTestOrchestrator(t, map[string]*fakeHelperClient{"c1": client})
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Bootstrap(ctx, "c1", StdIO{}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := o.StartProcess(ctx, "c1", "c1"); err != nil {
		t.Fatalf("start process: %v", err)
	}

	if err := o.Stop(ctx, "c1", 15, time.Second); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := o.Stop(ctx, "c1", 15, time.Second); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
	assertStatus(t, o, "c1", types.ContainerStatusStopped)
}

func TestDeleteRequiresForceOnRunning(t *testing.T) {
	client := newFakeHelperClient()
	o, kernel := newTestOrchestrator(t, map[string]*fakeHelperClient{"c1": client})
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Bootstrap(ctx, "c1", StdIO{}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := o.StartProcess(ctx, "c1", "c1"); err != nil {
		t.Fatalf("start process: %v", err)
	}

	if err := o.Delete(ctx, "c1", false); apierrors.CodeOf(err) != apierrors.InvalidState {
		t.Fatalf("delete without force on running: want InvalidState, got %v", err)
	}

	if err := o.Delete(ctx, "c1", true); err != nil {
		t.Fatalf("delete with force: %v", err)
	}
	if _, err := o.entry("c1"); apierrors.CodeOf(err) != apierrors.NotFound {
		t.Fatalf("want container removed after forced delete, got %v", err)
	}
}

func TestAutoRemoveOnExit(t *testing.T) {
	client := newFakeHelperClient()
	o, kernel := newTestOrchestrator(t, map[string]*fakeHelperClient{"c1": client})
	ctx := context.Background()

	if _, err := o.Create(ctx, testConfig("c1"), KernelSource{Path: kernel}, types.BundleOptions{AutoRemove: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := o.Bootstrap(ctx, "c1", StdIO{}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := o.StartProcess(ctx, "c1", "c1"); err != nil {
		t.Fatalf("start process: %v", err)
	}

	client.exitOnce.Do(func() {
		client.exitCh <- types.ExitStatus{Code: 0, ExitedAt: time.Now()}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := o.entry("c1"); apierrors.CodeOf(err) == apierrors.NotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected auto-remove to delete the container after its process exited")
}

func TestBootCorruptBundleIsSkippedAndDeleted(t *testing.T) {
	root := t.TempDir()
	containersDir := filepath.Join(root, "containers")
	if err := os.MkdirAll(filepath.Join(containersDir, "bad"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Root:        root,
		LabelPrefix: "com.example.sandbox",
		HelperPath:  "/usr/local/bin/sandbox-helper",
		Images:      &fakeImages{},
		Initfs:      &fakeInitfs{},
		Services:    newFakeServices(),
	}
	o, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(o.List()) != 0 {
		t.Fatalf("want the corrupt bundle excluded from boot, got %d containers", len(o.List()))
	}
	if _, statErr := os.Stat(filepath.Join(containersDir, "bad")); !os.IsNotExist(statErr) {
		t.Fatal("want the corrupt bundle directory removed at boot")
	}
}

func assertStatus(t *testing.T, o *Orchestrator, id string, want types.ContainerStatus) {
	t.Helper()
	for _, s := range o.List() {
		if s.Configuration.ID == id {
			if s.Status != want {
				t.Fatalf("container %s: want status %s, got %s", id, want, s.Status)
			}
			return
		}
	}
	t.Fatalf("container %s not found in list", id)
}
