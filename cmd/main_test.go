package main

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type fakeInvalidator struct {
	bumps atomic.Int64
}

func (f *fakeInvalidator) InvalidateCache() uint64 {
	return uint64(f.bumps.Add(1))
}

func TestWaitForShutdownHandlesHangupAndTerminate(t *testing.T) {
	inv := &fakeInvalidator{}
	sigChan := make(chan os.Signal, 2)

	done := make(chan struct{})
	go func() {
		waitForShutdown(inv, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGHUP
	sigChan <- syscall.SIGHUP

	select {
	case <-done:
		t.Fatal("SIGHUP must not stop the engine")
	case <-time.After(100 * time.Millisecond):
	}

	sigChan <- syscall.SIGTERM
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM must stop the engine")
	}

	if got := inv.bumps.Load(); got != 2 {
		t.Fatalf("expected 2 cache invalidations, got %d", got)
	}
}
