// Package diskusage backs the `systemDiskUsage`/`containerDiskUsage`
// opcodes (§6): du-style directory walking over bundle and volume
// directories under the app-data root. The OCI content store's own
// accounting is out of scope; this only sums what the Orchestrator and
// Volume service themselves own on disk.
package diskusage

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/blockstore"
)

// Usage reports both apparent (logical) and allocated (on-disk, sparse
// file aware) byte counts for one directory tree.
type Usage struct {
	ApparentBytes  int64 `json:"apparentBytes"`
	AllocatedBytes int64 `json:"allocatedBytes"`
}

// Container sums one container bundle directory's usage (rootfs,
// initfs if block-backed, kernel/, logs).
func Container(bundleRoot string) (Usage, error) {
	return walk(bundleRoot)
}

// System sums every container bundle plus every volume under root
// (root being the Orchestrator's `<root>` data directory, containing
// `containers/` and `volumes/`).
func System(root string) (Usage, error) {
	return walk(root)
}

func walk(root string) (Usage, error) {
	var total Usage
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // file disappeared mid-walk; skip rather than fail the whole report
		}
		total.ApparentBytes += info.Size()
		if allocated, err := blockstore.AllocatedBytes(path); err == nil {
			total.AllocatedBytes += allocated
		} else {
			total.AllocatedBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return Usage{}, apierrors.Wrap(apierrors.InternalError, "walk "+root, err)
	}
	return total, nil
}
