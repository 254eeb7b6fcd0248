package sandbox

import (
	"context"
	"sync"

	"github.com/hyperbox/sandboxd/pkg/apierrors"
	"github.com/hyperbox/sandboxd/pkg/types"
)

// process is one exec process multiplexed inside an already-running
// sandbox. The init process itself is not represented here; it is
// addressed by the sandbox's own id directly against the VM instance.
type process struct {
	id   string
	spec types.ProcessSpec
	io   StdIO

	mu      sync.Mutex
	state   types.ProcessState
	session *execSession
}

// CreateProcess records a new exec process as created and assigns its
// stdio, valid from booted or running. Duplicate ids are rejected.
func (s *Sandbox) CreateProcess(ctx context.Context, id string, spec types.ProcessSpec, stdio StdIO) error {
	s.mu.Lock()
	if s.state != StateBooted && s.state != StateRunning {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "createProcess is only valid from booted or running")
	}
	if _, exists := s.processes[id]; exists {
		s.mu.Unlock()
		return apierrors.New(apierrors.Exists, "process "+id+" already exists")
	}
	p := &process{id: id, spec: spec, io: stdio, state: types.ProcessStateCreated}
	s.processes[id] = p
	s.mu.Unlock()

	return s.cfg.ExitMonitor.RegisterProcess(id, s.onExecExit)
}

func (s *Sandbox) startExecProcess(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "startProcess is only valid on a running container")
	}
	p, ok := s.processes[id]
	instance := s.instance
	s.mu.Unlock()
	if !ok {
		return apierrors.New(apierrors.NotFound, "unknown process "+id)
	}

	p.mu.Lock()
	if p.state != types.ProcessStateCreated {
		p.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "process "+id+" was already started")
	}
	p.mu.Unlock()

	client := &guestAgentClient{instance: instance}
	session, err := client.start(ctx, id, p.spec, p.io)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.session = session
	p.state = types.ProcessStateRunning
	p.mu.Unlock()

	s.cfg.ExitMonitor.Track(id, session.wait)
	return nil
}

// onExecExit is the exit monitor's callback for an exec process id: it
// marks the process stopped and resolves its waiters. Exec process
// failures never affect the sandbox's own state (§4.C).
func (s *Sandbox) onExecExit(id string, status types.ExitStatus) {
	s.mu.Lock()
	p, ok := s.processes[id]
	s.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.state = types.ProcessStateStopped
		p.mu.Unlock()
	}
	s.cfg.Waiters.Resolve(id, status)
}

// Kill delivers signal to the init process or a named exec process.
// Valid only while running.
func (s *Sandbox) Kill(ctx context.Context, id string, signal int) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "kill is only valid on a running container")
	}
	instance := s.instance
	s.mu.Unlock()

	if id == s.cfg.ID {
		return instance.Kill(signal)
	}

	p, err := s.lookupProcess(id)
	if err != nil {
		return err
	}
	client := &guestAgentClient{instance: instance}
	return client.signal(ctx, p.id, signal)
}

// Resize adjusts the tty of the addressed process. Valid only while
// running; addressed by either the init id or an exec process id, both
// routed through the guest agent since vmbackend carries no per-process
// tty concept of its own.
func (s *Sandbox) Resize(ctx context.Context, id string, cols, rows int) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return apierrors.New(apierrors.InvalidState, "resize is only valid on a running container")
	}
	instance := s.instance
	s.mu.Unlock()

	if id != s.cfg.ID {
		if _, err := s.lookupProcess(id); err != nil {
			return err
		}
	}

	client := &guestAgentClient{instance: instance}
	return client.resize(ctx, id, cols, rows)
}

// Wait blocks until id's process exits (init or a named exec process)
// and returns its ExitStatus, or returns immediately with the cached
// status if it already exited.
func (s *Sandbox) Wait(ctx context.Context, id string) (types.ExitStatus, error) {
	if id != s.cfg.ID {
		if _, err := s.lookupProcess(id); err != nil {
			return types.ExitStatus{}, err
		}
	}
	return s.cfg.Waiters.Wait(ctx, id)
}

func (s *Sandbox) lookupProcess(id string) (*process, error) {
	s.mu.Lock()
	p, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return nil, apierrors.New(apierrors.NotFound, "unknown process "+id)
	}
	return p, nil
}
