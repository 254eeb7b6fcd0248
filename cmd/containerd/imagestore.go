//go:build darwin

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/imageref"
)

// localImageStore implements imageref.Store against a flat directory of
// pre-extracted image snapshots under <root>/images/. The OCI content
// store, registry transport, and unpack/snapshot engine behind a real
// image service are out of scope (§6's image service internals); this
// gives the Orchestrator a working collaborator to clone bundles from
// without reimplementing any of that.
//
// <root>/images/<reference-digest-safe>/entity.json describes one
// pulled image; manifest.img is its sparse rootfs block image.
type localImageStore struct {
	root string

	mu    sync.Mutex
	cache map[string]imageEntity
}

type imageEntity struct {
	Reference   string        `json:"reference"`
	Digest      string        `json:"digest"`
	Platforms   []v1.Platform `json:"platforms,omitempty"`
	SizeInBytes int64         `json:"sizeInBytes"`
}

func newLocalImageStore(root string) *localImageStore {
	return &localImageStore{root: root, cache: make(map[string]imageEntity)}
}

func (s *localImageStore) imagesDir() string { return filepath.Join(s.root, "images") }

func (s *localImageStore) entityPath(key string) string {
	return filepath.Join(s.imagesDir(), key, "entity.json")
}

func (s *localImageStore) snapshotPath(key string) string {
	return filepath.Join(s.imagesDir(), key, "manifest.img")
}

// key turns a reference into the directory-safe name entity.json and
// manifest.img are stored under, matching name.Reference's own
// identifier (repository/tag or repository@digest with slashes and
// colons folded).
func key(ref name.Reference) string {
	return digestSafe(ref.String())
}

func digestSafe(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '/', ':', '@':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func (s *localImageStore) List(ctx context.Context) ([]imageref.Descriptor, error) {
	entries, err := os.ReadDir(s.imagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierrors.Wrap(apierrors.InternalError, "list images directory", err)
	}
	descriptors := make([]imageref.Descriptor, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		entity, err := s.readEntity(e.Name())
		if err != nil {
			continue
		}
		descriptors = append(descriptors, imageref.Descriptor{
			Reference: entity.Reference,
			Digest:    entity.Digest,
			Platforms: entity.Platforms,
		})
	}
	return descriptors, nil
}

func (s *localImageStore) Get(ctx context.Context, ref name.Reference) (imageref.Descriptor, error) {
	entity, err := s.readEntity(key(ref))
	if err != nil {
		return imageref.Descriptor{}, apierrors.Wrap(apierrors.NotFound, "get image "+ref.String(), err)
	}
	return imageref.Descriptor{
		Reference: entity.Reference,
		Digest:    entity.Digest,
		Platforms: entity.Platforms,
	}, nil
}

// Pull always fails: fetching an image from a registry is an explicit
// Non-goal here. Images must already be present under <root>/images/
// by some other means before a container can reference them.
func (s *localImageStore) Pull(ctx context.Context, ref name.Reference, platform v1.Platform, opts imageref.PullOptions) error {
	return apierrors.New(apierrors.Unsupported, "pulling images from a registry is not supported")
}

func (s *localImageStore) GetCreateSnapshot(ctx context.Context, ref name.Reference, platform v1.Platform) (imageref.Snapshot, error) {
	k := key(ref)
	entity, err := s.readEntity(k)
	if err != nil {
		return imageref.Snapshot{}, apierrors.Wrap(apierrors.NotFound, "get image "+ref.String(), err)
	}
	path := s.snapshotPath(k)
	if _, err := os.Stat(path); err != nil {
		return imageref.Snapshot{}, apierrors.Wrap(apierrors.NotFound, "image snapshot "+ref.String(), err)
	}
	return imageref.Snapshot{ImagePath: path, SizeInBytes: entity.SizeInBytes}, nil
}

func (s *localImageStore) readEntity(k string) (imageEntity, error) {
	s.mu.Lock()
	if entity, ok := s.cache[k]; ok {
		s.mu.Unlock()
		return entity, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(s.entityPath(k))
	if err != nil {
		return imageEntity{}, err
	}
	var entity imageEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return imageEntity{}, err
	}

	s.mu.Lock()
	s.cache[k] = entity
	s.mu.Unlock()
	return entity, nil
}
