package exitmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperbox/sandboxd/pkg/types"
)

func waitForDelivery(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for delivery")
}

func TestTrackDeliversOnce(t *testing.T) {
	m := New()
	var calls int32
	var gotStatus types.ExitStatus

	if err := m.RegisterProcess("p1", func(id string, status types.ExitStatus) {
		atomic.AddInt32(&calls, 1)
		gotStatus = status
	}); err != nil {
		t.Fatalf("RegisterProcess: %v", err)
	}

	m.Track("p1", func(ctx context.Context) (types.ExitStatus, error) {
		return types.ExitStatus{Code: 7, ExitedAt: time.Now()}, nil
	})

	waitForDelivery(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	if gotStatus.Code != 7 {
		t.Fatalf("status code = %d, want 7", gotStatus.Code)
	}

	// A later stopTracking is a no-op: no second delivery, no panic.
	m.StopTracking("p1")
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("onExit delivered %d times, want 1", calls)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	m := New()
	noop := func(string, types.ExitStatus) {}
	if err := m.RegisterProcess("dup", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.RegisterProcess("dup", noop); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestWaitErrorYields255(t *testing.T) {
	m := New()
	done := make(chan types.ExitStatus, 1)
	m.RegisterProcess("err", func(id string, status types.ExitStatus) {
		done <- status
	})
	m.Track("err", func(ctx context.Context) (types.ExitStatus, error) {
		return types.ExitStatus{}, errors.New("boom")
	})

	select {
	case status := <-done:
		if status.Code != 255 {
			t.Fatalf("status code = %d, want 255", status.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestStopTrackingBeforeTrackIsLegal(t *testing.T) {
	m := New()
	var called int32
	m.RegisterProcess("never-tracked", func(string, types.ExitStatus) {
		atomic.AddInt32(&called, 1)
	})
	m.StopTracking("never-tracked")
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("onExit must not fire for a registration that was never tracked")
	}
}

func TestStopTrackingCancelsInFlightWait(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	wg.Add(1)
	m.RegisterProcess("cancelme", func(string, types.ExitStatus) { wg.Done() })

	started := make(chan struct{})
	m.Track("cancelme", func(ctx context.Context) (types.ExitStatus, error) {
		close(started)
		<-ctx.Done()
		return types.ExitStatus{}, ctx.Err()
	})

	<-started
	m.StopTracking("cancelme")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopTracking did not cause the in-flight wait to resolve")
	}
}
