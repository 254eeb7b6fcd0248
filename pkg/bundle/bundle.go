// Package bundle is the on-disk bundle/persistence contract named in §3
// and laid out in §6:
//
//	<root>/containers/<id>/
//	  config.json          UTF-8 JSON of ContainerConfiguration
//	  options.json         UTF-8 JSON of {autoRemove: bool}
//	  kernel/...           opaque bytes
//	  rootfs               sparse block image (cloned from image snapshot)
//	  initfs               directory or block image
//	  stdio.log            stdout/stderr stream; mode 0644
//	  boot.log             guest boot kernel messages
//
// The bundle exists iff the container is known to the orchestrator: a
// directory is only ever considered "committed" once config.json has
// been written, and Delete removes the whole tree in one shot so a
// crash mid-create or mid-delete never leaves a half-registered
// container behind.
//
// The layout generalizes the per-id directory and JSON side-file
// conventions of secrets.go and local.go: one base directory, one
// subdirectory per id, structured state as JSON next to opaque
// payload files.
package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

const (
	configFileName  = "config.json"
	optionsFileName = "options.json"
	kernelDirName   = "kernel"
	rootfsFileName  = "rootfs"
	initfsFileName  = "initfs"
	stdioLogName    = "stdio.log"
	bootLogName     = "boot.log"

	containersDirName = "containers"
)

// Store roots every bundle beneath a single data directory.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root, creating the containers
// directory if it doesn't already exist.
func NewStore(root string) (*Store, error) {
	dir := filepath.Join(root, containersDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "create containers directory", err)
	}
	return &Store{root: root}, nil
}

// Paths exposes the well-known file locations inside one container's
// bundle, for collaborators (vmbackend, portforward, log readers) that
// need direct file access rather than Store's structured accessors.
type Paths struct {
	Root       string
	Config     string
	Options    string
	KernelDir  string
	Rootfs     string
	Initfs     string
	StdioLog   string
	BootLog    string
}

// PathsFor returns the well-known paths for id's bundle, whether or not
// it has been created yet.
func (s *Store) PathsFor(id string) Paths {
	root := s.dir(id)
	return Paths{
		Root:      root,
		Config:    filepath.Join(root, configFileName),
		Options:   filepath.Join(root, optionsFileName),
		KernelDir: filepath.Join(root, kernelDirName),
		Rootfs:    filepath.Join(root, rootfsFileName),
		Initfs:    filepath.Join(root, initfsFileName),
		StdioLog:  filepath.Join(root, stdioLogName),
		BootLog:   filepath.Join(root, bootLogName),
	}
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, containersDirName, id)
}

// Begin creates id's bundle directory tree (including kernel/) but does
// not yet write config.json, so the bundle is not "committed" until
// Commit succeeds. Callers that fail partway through populating a
// bundle should call Abort to unwind it.
func (s *Store) Begin(id string) (Paths, error) {
	paths := s.PathsFor(id)
	if _, err := os.Stat(paths.Root); err == nil {
		return Paths{}, apierrors.New(apierrors.Exists, "bundle for "+id+" already exists")
	}
	if err := os.MkdirAll(paths.KernelDir, 0o755); err != nil {
		return Paths{}, apierrors.Wrap(apierrors.InternalError, "create bundle directory", err)
	}
	return paths, nil
}

// Commit writes config.json and options.json, the step that makes id
// known to the orchestrator per the "bundle exists iff known" invariant.
func (s *Store) Commit(id string, config types.ContainerConfiguration, options types.BundleOptions) error {
	paths := s.PathsFor(id)
	if err := writeJSON(paths.Options, options); err != nil {
		return err
	}
	if err := writeJSON(paths.Config, config); err != nil {
		return err
	}
	return nil
}

// Abort removes a bundle directory that was Begin'd but never
// successfully Committed, unwinding any partial writes a failed create
// step left behind.
func (s *Store) Abort(id string) error {
	return s.Delete(id)
}

// Load reads a bundle's persisted configuration and options back.
func (s *Store) Load(id string) (types.ContainerConfiguration, types.BundleOptions, error) {
	paths := s.PathsFor(id)

	var config types.ContainerConfiguration
	if err := readJSON(paths.Config, &config); err != nil {
		return types.ContainerConfiguration{}, types.BundleOptions{}, err
	}

	var options types.BundleOptions
	if err := readJSON(paths.Options, &options); err != nil {
		return types.ContainerConfiguration{}, types.BundleOptions{}, err
	}

	return config, options, nil
}

// List returns the ids of every bundle directory present under the
// store's root, in no particular order. A directory missing
// config.json is reported separately so callers can distinguish a
// corrupt bundle (to be deleted and logged per §4.D) from a valid one.
func (s *Store) List() (ids []string, corrupt []string, err error) {
	dir := filepath.Join(s.root, containersDirName)
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return nil, nil, apierrors.Wrap(apierrors.InternalError, "list bundle directory", readErr)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, statErr := os.Stat(filepath.Join(dir, id, configFileName)); statErr != nil {
			corrupt = append(corrupt, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, corrupt, nil
}

// Delete removes id's entire bundle directory. Deleting an id with no
// bundle is not an error, since delete must be idempotent w.r.t. crash
// recovery during a prior, partially completed delete.
func (s *Store) Delete(id string) error {
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "delete bundle directory", err)
	}
	return nil
}

// OpenStdioLog opens id's stdio.log for appending, creating it with
// mode 0644 if it doesn't exist yet.
func (s *Store) OpenStdioLog(id string) (*os.File, error) {
	return openLog(s.PathsFor(id).StdioLog)
}

// OpenBootLog opens id's boot.log for appending, creating it with mode
// 0644 if it doesn't exist yet.
func (s *Store) OpenBootLog(id string) (*os.File, error) {
	return openLog(s.PathsFor(id).BootLog)
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "open log file "+path, err)
	}
	return f, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "encode "+filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "write "+filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apierrors.New(apierrors.NotFound, "missing "+filepath.Base(path))
		}
		return apierrors.Wrap(apierrors.InternalError, "read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apierrors.Wrap(apierrors.InvalidArgument, "decode "+filepath.Base(path), err)
	}
	return nil
}
