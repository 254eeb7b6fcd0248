package volume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/blockstore"
	"github.com/hyperbox/sandboxd/pkg/types"
)

const (
	// DefaultSizeInBytes is the size a volume gets when its creation
	// request leaves size unset.
	DefaultSizeInBytes int64 = 1 << 30 // 1 GiB

	entityFileName = "entity.json"
	imageFileName  = "volume.img"
	volumesDirName = "volumes"
)

// Driver is the sole volume driver this daemon ships: a local,
// sparse-block-backed store. Other drivers (NFS, etc.) are Non-goals.
const Driver = "local"

// Store manages a directory of named volumes, each backed by its own
// sparse block image.
type Store struct {
	root string

	mu      sync.Mutex
	volumes map[string]types.Volume
}

// NewStore opens (creating if necessary) a volume store rooted at root,
// and loads every existing volume's metadata into memory.
func NewStore(root string) (*Store, error) {
	dir := filepath.Join(root, volumesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "create volumes directory", err)
	}

	s := &Store{root: root, volumes: make(map[string]types.Volume)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InternalError, "list volumes directory", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		var v types.Volume
		if err := readJSON(filepath.Join(dir, name, entityFileName), &v); err != nil {
			continue // corrupt volume directory; left for an operator to inspect
		}
		s.volumes[name] = v
	}
	return s, nil
}

func (s *Store) dir(name string) string {
	return filepath.Join(s.root, volumesDirName, name)
}

// CreateOptions carries the caller-supplied parts of a new volume.
type CreateOptions struct {
	Name        string
	Labels      map[string]string
	Options     map[string]string
	SizeInBytes int64
	IsAnonymous bool
}

// Create allocates a new named volume with its own sparse block image.
// An empty Name with IsAnonymous generates one.
func (s *Store) Create(opts CreateOptions) (types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := opts.Name
	if name == "" {
		if !opts.IsAnonymous {
			return types.Volume{}, apierrors.New(apierrors.InvalidArgument, "volume name is required")
		}
		name = "anon-" + uuid.NewString()
	}
	if _, exists := s.volumes[name]; exists {
		return types.Volume{}, apierrors.New(apierrors.Exists, "volume "+name+" already exists")
	}

	size := opts.SizeInBytes
	if size <= 0 {
		size = DefaultSizeInBytes
	}

	dir := s.dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Volume{}, apierrors.Wrap(apierrors.InternalError, "create volume directory", err)
	}

	imagePath := filepath.Join(dir, imageFileName)
	if err := blockstore.Create(imagePath, size, blockstore.FormatExt4); err != nil {
		os.RemoveAll(dir)
		return types.Volume{}, err
	}

	v := types.Volume{
		Name:        name,
		Driver:      Driver,
		SourcePath:  imagePath,
		Labels:      opts.Labels,
		Options:     opts.Options,
		IsAnonymous: opts.IsAnonymous,
		SizeInBytes: size,
	}
	if err := writeJSON(filepath.Join(dir, entityFileName), v); err != nil {
		os.RemoveAll(dir)
		return types.Volume{}, err
	}

	s.volumes[name] = v
	return v, nil
}

// Inspect returns one volume's metadata.
func (s *Store) Inspect(name string) (types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[name]
	if !ok {
		return types.Volume{}, apierrors.New(apierrors.NotFound, "volume "+name+" not found")
	}
	return v, nil
}

// List returns every known volume.
func (s *Store) List() ([]types.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Volume, 0, len(s.volumes))
	for _, v := range s.volumes {
		out = append(out, v)
	}
	return out, nil
}

// Delete removes a volume and its backing image. Deleting an unknown
// name is not an error, since a container's autoRemove cleanup may race
// a concurrent explicit volume delete.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.volumes[name]; !ok {
		return nil
	}
	if err := os.RemoveAll(s.dir(name)); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "delete volume directory", err)
	}
	delete(s.volumes, name)
	return nil
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
		return apierrors.Wrap(apierrors.InternalError, "read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apierrors.Wrap(apierrors.InvalidArgument, "decode "+filepath.Base(path), err)
	}
	return nil
}
