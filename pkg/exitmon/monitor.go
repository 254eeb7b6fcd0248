// Package exitmon implements the Exit Monitor (component A): per-id
// registration of a wait closure, one supervising goroutine per id, and
// at-most-once delivery of the process's terminal ExitStatus to a
// registered handler.
//
// The shape is lifted from the containerd-shim-v2 wait/exitCh pattern
// (one exit channel per tracked process, a single reaper goroutine that
// drains it and never blocks the tracked process) generalized to a
// standalone component the sandbox and orchestrator both depend on.
package exitmon

import (
	"context"
	"sync"
	"time"

	infinity "github.com/Code-Hex/go-infinity-channel"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// WaitHandler blocks until a process exits (or ctx is cancelled) and
// reports its terminal status.
type WaitHandler func(ctx context.Context) (types.ExitStatus, error)

// OnExit is called at most once per successful registerProcess, and
// never if Track was not called for that id; it fires the first time
// the tracked wait resolves (naturally, via panic recovery, or via
// stopTracking after the wait already resolved).
type OnExit func(id string, status types.ExitStatus)

const panicExitCode int32 = 255

type entry struct {
	onExit OnExit
	once   sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil once track() has started a wait

	delivered chan struct{} // closed once onExit has fired
}

// Monitor supervises the terminal wait of every tracked process id.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*entry

	// deliveries fans completed exits out to a background goroutine so
	// a slow onExit handler never blocks the goroutine that observed
	// the process exit.
	deliveries *infinity.Channel[delivery]
}

type delivery struct {
	id     string
	status types.ExitStatus
	e      *entry
}

// New creates an empty Monitor and starts its delivery fan-out loop.
func New() *Monitor {
	m := &Monitor{
		entries:    make(map[string]*entry),
		deliveries: infinity.NewChannel[delivery](),
	}
	go m.deliverLoop()
	return m
}

func (m *Monitor) deliverLoop() {
	for d := range m.deliveries.Out() {
		d.e.once.Do(func() {
			d.e.onExit(d.id, d.status)
			close(d.e.delivered)
		})
	}
}

// RegisterProcess reserves id, installing onExit as its completion
// handler. It fails with apierrors.Exists if id is already registered.
func (m *Monitor) RegisterProcess(id string, onExit OnExit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return apierrors.New(apierrors.Exists, "process "+id+" is already registered with the exit monitor")
	}
	m.entries[id] = &entry{onExit: onExit, delivered: make(chan struct{})}
	return nil
}

// Track attaches the long-running wait closure for id and spawns a
// detached goroutine that runs it to completion, then delivers the
// resulting ExitStatus to the registered onExit handler. Track is a
// no-op if id was already removed (registration without a waiter is
// legal per the exit monitor's contract, and so is a waiter arriving
// after the registration was dropped).
func (m *Monitor) Track(id string, wait WaitHandler) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	m.mu.Unlock()

	go m.runWait(id, e, ctx, wait)
}

func (m *Monitor) runWait(id string, e *entry, ctx context.Context, wait WaitHandler) {
	status := m.runWaitRecovered(ctx, wait)

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	m.deliveries.In() <- delivery{id: id, status: status, e: e}
}

// runWaitRecovered runs wait to completion, converting both a returned
// error and a recovered panic into ExitStatus{code=255} per the
// monitor's "exceptions are captured" guarantee.
func (m *Monitor) runWaitRecovered(ctx context.Context, wait WaitHandler) (status types.ExitStatus) {
	status = types.ExitStatus{Code: panicExitCode, ExitedAt: time.Now()}
	defer func() {
		recover() //nolint:errcheck // converted to the default 255 status above
	}()

	result, err := wait(ctx)
	if err != nil {
		return types.ExitStatus{Code: panicExitCode, ExitedAt: time.Now()}
	}
	return result
}

// StopTracking cancels and drops id's entry. It is idempotent: calling
// it twice, or calling it after the wait already resolved and onExit
// already fired, is a no-op. If the wait resolved but onExit has not
// yet fired (still queued in the delivery loop), onExit still fires
// exactly once.
func (m *Monitor) StopTracking(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
