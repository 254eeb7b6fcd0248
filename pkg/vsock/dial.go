// Package vsock implements the guest-facing byte-stream dial behind
// Sandbox.dial(port) (§6) and the userspace network gateway the
// network driver allocates interfaces against.
//
// Dial itself is grounded on firecracker-containerd's dialVsock retry
// loop: a VM takes a short, variable time to bring its vsock device up
// after Start returns, so the dialer retries with exponential backoff
// instead of failing on the first attempt.
package vsock

import (
	"context"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/log"
)

const (
	defaultRetryCount      = 5
	defaultInitialDelay    = 100 * time.Millisecond
	defaultDelayMultiplier = 2
)

// Dial connects to port on the guest identified by cid, retrying with
// exponential backoff since the guest's vsock device may not be ready
// the instant the VM reports started.
func Dial(ctx context.Context, cid, port uint32) (*vsock.Conn, error) {
	logger := log.WithComponent("vsock")

	delay := defaultInitialDelay
	var lastErr error
	for attempt := 1; attempt <= defaultRetryCount; attempt++ {
		conn, err := vsock.Dial(cid, port, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Debug().Err(err).Uint32("cid", cid).Uint32("port", port).
			Int("attempt", attempt).Dur("retryIn", delay).Msg("vsock dial failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= defaultDelayMultiplier
	}

	return nil, apierrors.Wrap(apierrors.InternalError, "vsock dial exhausted retries", lastErr)
}
