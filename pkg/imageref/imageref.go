// Package imageref parses and validates the two pieces of a
// ContainerConfiguration that name an image: the `image` descriptor ref
// and the `platform` (os/arch/variant) tuple. The OCI content store,
// registry transport, and unpack/snapshot engine behind those values
// are out of scope; this package only validates what the orchestrator
// itself needs to read before handing the reference to that external
// collaborator (§6's "Image store: list, get(reference), pull(ref,
// platform, auth, concurrency, progress), getCreateSnapshot(platform)
// -> Filesystem").
package imageref

import (
	"context"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// Parse validates image as an OCI reference, defaulting an untagged
// name to ":latest" the way docker/containerd tooling does.
func Parse(image string) (name.Reference, error) {
	ref, err := name.ParseReference(image, name.WeakValidation)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.InvalidArgument, "parse image reference "+image, err)
	}
	return ref, nil
}

// ParsePlatform validates a ContainerConfiguration.platform tuple. An
// empty OS defaults to "linux"; an empty architecture is rejected with
// InvalidArgument. The host's own platform is not consulted.
func ParsePlatform(p types.Platform) (v1.Platform, error) {
	out := v1.Platform{
		OS:           p.OS,
		Architecture: p.Arch,
		Variant:      p.Variant,
	}
	if out.OS == "" {
		out.OS = "linux" // the only guest OS this daemon boots
	}
	if out.Architecture == "" {
		return v1.Platform{}, apierrors.New(apierrors.InvalidArgument, "platform.arch is required")
	}
	return out, nil
}

// Snapshot is the narrow view of a materialized rootfs the image
// service hands back, enough for the Orchestrator to clone it into a
// bundle's rootfs (pkg/blockstore.Clone).
type Snapshot struct {
	// ImagePath is the sparse block image backing this snapshot.
	ImagePath string
	// SizeInBytes is the snapshot's declared (not allocated) size.
	SizeInBytes int64
}

// Store is the Image store collaborator interface named in §6, narrowed
// to the calls the Orchestrator actually makes. Progress and auth are
// opaque to this daemon's core and are passed through verbatim.
type Store interface {
	List(ctx context.Context) ([]Descriptor, error)
	Get(ctx context.Context, ref name.Reference) (Descriptor, error)
	Pull(ctx context.Context, ref name.Reference, platform v1.Platform, opts PullOptions) error
	GetCreateSnapshot(ctx context.Context, ref name.Reference, platform v1.Platform) (Snapshot, error)
}

// Descriptor is the subset of image metadata this daemon surfaces on
// `image list`/`image get`.
type Descriptor struct {
	Reference   string      `json:"reference"`
	Digest      string      `json:"digest"`
	Platforms   []v1.Platform `json:"platforms,omitempty"`
	SizeInBytes int64       `json:"sizeInBytes"`
}

// PullOptions carries auth and progress reporting through to the image
// service without this package needing to understand either.
type PullOptions struct {
	Auth        any
	Concurrency int
	Progress    func(completed, total int64)
}
