package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

func testConfig(id string) types.ContainerConfiguration {
	return types.ContainerConfiguration{
		ID:             id,
		Image:          "alpine:latest",
		RuntimeHandler: "linux",
		InitProcess:    types.ProcessSpec{Executable: "/bin/sh", Arguments: []string{"-c", "echo hi"}},
	}
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	paths, err := store.Begin("c1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := os.Stat(paths.KernelDir); err != nil {
		t.Fatalf("expected kernel dir to exist: %v", err)
	}

	want := testConfig("c1")
	if err := store.Commit("c1", want, types.BundleOptions{AutoRemove: true}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, opts, err := store.Load("c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Image != want.Image || got.ID != want.ID {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
	if !opts.AutoRemove {
		t.Fatalf("AutoRemove = false, want true")
	}
}

func TestBeginRejectsDuplicateID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Begin("c1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := store.Begin("c1"); !apierrors.IsCode(err, apierrors.Exists) {
		t.Fatalf("second Begin error = %v, want Exists", err)
	}
}

func TestListSeparatesCorruptBundles(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := store.Begin("good"); err != nil {
		t.Fatalf("Begin good: %v", err)
	}
	if err := store.Commit("good", testConfig("good"), types.BundleOptions{}); err != nil {
		t.Fatalf("Commit good: %v", err)
	}

	if _, err := store.Begin("half-written"); err != nil {
		t.Fatalf("Begin half-written: %v", err)
	}
	// half-written never gets a config.json, simulating a crash mid-create.

	ids, corrupt, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != "good" {
		t.Fatalf("ids = %v, want [good]", ids)
	}
	if len(corrupt) != 1 || corrupt[0] != "half-written" {
		t.Fatalf("corrupt = %v, want [half-written]", corrupt)
	}
}

func TestDeleteRemovesBundleDirectory(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	paths, err := store.Begin("c1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Commit("c1", testConfig("c1"), types.BundleOptions{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := store.Delete("c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(paths.Root); !os.IsNotExist(err) {
		t.Fatalf("expected bundle directory to be gone, stat err = %v", err)
	}

	// Deleting again is a no-op, not an error.
	if err := store.Delete("c1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestOpenStdioLogCreatesFileWithExpectedMode(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Begin("c1"); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	f, err := store.OpenStdioLog("c1")
	if err != nil {
		t.Fatalf("OpenStdioLog: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("hi\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(filepath.Join(store.dir("c1"), stdioLogName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("mode = %v, want 0644", info.Mode().Perm())
	}
}
