package waiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hyperbox/sandboxd/pkg/types"
)

func TestConcurrentWaitersSeeSameCode(t *testing.T) {
	r := New()
	const n = 8
	results := make([]types.ExitStatus, n)

	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ready.Done()
			status, err := r.Wait(context.Background(), "p1")
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = status
		}(i)
	}
	ready.Wait()
	time.Sleep(10 * time.Millisecond) // let the waiters register
	r.Resolve("p1", types.ExitStatus{Code: 42})
	wg.Wait()

	for i, got := range results {
		if got.Code != 42 {
			t.Fatalf("waiter %d got code %d, want 42", i, got.Code)
		}
	}
}

func TestWaitAfterResolveReturnsCachedCode(t *testing.T) {
	r := New()
	r.Resolve("p1", types.ExitStatus{Code: 5})

	status, err := r.Wait(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Code != 5 {
		t.Fatalf("code = %d, want 5", status.Code)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	r := New()
	r.Resolve("p1", types.ExitStatus{Code: 1})
	r.Resolve("p1", types.ExitStatus{Code: 2})

	status, _ := r.Wait(context.Background(), "p1")
	if status.Code != 1 {
		t.Fatalf("code = %d, want 1 (first resolution wins)", status.Code)
	}
}

func TestCancelledWaitDoesNotAffectOtherWaiters(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Wait(ctx, "p1")
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected cancelled waiter to return an error")
	}

	// A fresh waiter must still observe the eventual resolution.
	done := make(chan types.ExitStatus, 1)
	go func() {
		status, _ := r.Wait(context.Background(), "p1")
		done <- status
	}()
	time.Sleep(10 * time.Millisecond)
	r.Resolve("p1", types.ExitStatus{Code: 9})

	select {
	case status := <-done:
		if status.Code != 9 {
			t.Fatalf("code = %d, want 9", status.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
