//go:build darwin

package vmbackend

import (
	"fmt"
	"os"
	"runtime"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
)

// backendEnvVar names the variable named in backend.go's Backend doc:
// an explicit override of the default platform backend.
const backendEnvVar = "CONTAINER_VM_BACKEND"

// Select picks the Backend a daemon process should host for its
// lifetime, following the teacher's graceful-degradation pattern of
// preferring the fully-integrated platform backend and falling back
// to the portable one only when asked or when the preferred backend
// isn't available. vz requires the Virtualization.framework
// entitlement and is darwin-only; lima only needs limactl on PATH and
// works on darwin hosts that lack that entitlement.
func Select() (Backend, error) {
	switch os.Getenv(backendEnvVar) {
	case "lima":
		return NewLimaBackend(), nil
	case "vz":
		return newVZOrError()
	case "":
		if b, err := newVZOrError(); err == nil {
			return b, nil
		}
		return NewLimaBackend(), nil
	default:
		return nil, apierrors.New(apierrors.InvalidArgument,
			fmt.Sprintf("%s: unknown backend %q, want vz or lima", backendEnvVar, os.Getenv(backendEnvVar)))
	}
}

func newVZOrError() (Backend, error) {
	if runtime.GOOS != "darwin" {
		return nil, apierrors.New(apierrors.Unsupported, "the vz backend is only available on darwin")
	}
	return NewVZBackend(), nil
}
