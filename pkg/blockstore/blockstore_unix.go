//go:build darwin || linux

package blockstore

import (
	"os"
	"syscall"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// allocatedBytes reads the actual block count backing a (possibly
// sparse) file from its platform stat_t, rather than its apparent size.
func allocatedBytes(info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, apierrors.New(apierrors.InternalError, "platform stat_t unavailable for sparse size accounting")
	}
	return int64(stat.Blocks) * 512, nil
}
