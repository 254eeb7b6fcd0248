// Package blockstore manages sparse block image files backing
// container rootfs clones and named volumes. It generalizes the
// teacher's directory-per-volume LocalDriver (pkg/volume/local.go) from
// plain directories to sparse disk images, since every mount the
// Sandbox's VM backend understands (§3 Mount, MountKindBlockImage) is a
// block device, not a bind-mounted host path.
package blockstore

import (
	"io"
	"os"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// Format selects whether a newly created image carries a filesystem the
// guest can mount directly, or is left raw (e.g. a rootfs clone that
// already has a filesystem baked in by the image snapshot engine).
type Format int

const (
	// FormatRaw leaves the image as an unformatted sparse block device.
	FormatRaw Format = iota
	// FormatExt4 creates an ext4 filesystem spanning the whole image,
	// used for named volumes so the guest can mount them directly.
	FormatExt4
)

// Create allocates a new sparse block image at path of sizeBytes,
// optionally formatted with a filesystem. The file is sparse: actual
// disk usage grows only as the guest (or, for FormatExt4, the format
// step itself) writes to it.
func Create(path string, sizeBytes int64, format Format) error {
	if sizeBytes <= 0 {
		return apierrors.New(apierrors.InvalidArgument, "block image size must be positive")
	}

	d, err := diskfs.Create(path, sizeBytes, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "create block image "+path, err)
	}

	if format == FormatExt4 {
		fs, err := d.CreateFilesystem(disk.FilesystemSpec{
			Partition:   0,
			FSType:      filesystem.TypeExt4,
			VolumeLabel: "volume",
		})
		if err != nil {
			os.Remove(path)
			return apierrors.Wrap(apierrors.InternalError, "format block image "+path, err)
		}
		_ = fs
	}

	return nil
}

// Grow extends an existing block image to newSizeBytes. The guest
// filesystem (if any) must still run its own online resize after
// observing the larger backing device; that is outside this package's
// scope the same way the image snapshot engine is.
func Grow(path string, newSizeBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return apierrors.Wrap(apierrors.NotFound, "stat block image "+path, err)
	}
	if newSizeBytes < info.Size() {
		return apierrors.New(apierrors.InvalidArgument, "block image cannot be shrunk")
	}
	if newSizeBytes == info.Size() {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "open block image "+path, err)
	}
	defer f.Close()

	if err := f.Truncate(newSizeBytes); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "grow block image "+path, err)
	}
	return nil
}

// Clone copies srcPath's content into a new sparse block image at
// dstPath, used to derive a container's rootfs from its image's
// snapshot. The copy is a plain byte-for-byte stream, not a
// copy-on-write reflink: the host filesystem's own cloning support (if
// any) is left to a future optimization.
func Clone(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return apierrors.Wrap(apierrors.NotFound, "open source image "+srcPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "stat source image "+srcPath, err)
	}

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return apierrors.Wrap(apierrors.InternalError, "create destination image "+dstPath, err)
	}
	defer dst.Close()

	if err := dst.Truncate(info.Size()); err != nil {
		return apierrors.Wrap(apierrors.InternalError, "preallocate destination image "+dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dstPath)
		return apierrors.Wrap(apierrors.InternalError, "copy image content", err)
	}
	return nil
}

// SizeOf returns the current (sparse) apparent size of the image at
// path, used to report volume and container disk usage.
func SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.NotFound, "stat block image "+path, err)
	}
	return info.Size(), nil
}

// AllocatedBytes returns the number of bytes actually backed on disk
// (not the sparse apparent size), used by systemDiskUsage.
func AllocatedBytes(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, apierrors.Wrap(apierrors.NotFound, "stat block image "+path, err)
	}
	return allocatedBytes(info)
}
