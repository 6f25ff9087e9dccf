// +build linux

package wake

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEventTriggerThenWait(t *testing.T) {
	e, err := NewEvent()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Dispose()

	if err := e.Trigger(); err != nil {
		t.Fatal(err)
	}
	n, err := e.WaitAndReset()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("wait observed no trigger")
	}
}

func TestEventWaitBlocksUntilTrigger(t *testing.T) {
	e, err := NewEvent()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Dispose()

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = e.Trigger()
	}()
	if _, err := e.WaitAndReset(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("wait returned after %v, before the trigger", elapsed)
	}
}

func TestEventCoalescesTriggers(t *testing.T) {
	e, err := NewEvent()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Dispose()

	_ = e.Trigger()
	_ = e.Trigger()
	_ = e.Trigger()
	n, err := e.WaitAndReset()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("counter = %d, want 3", n)
	}
}

func pollReadable(t *testing.T, fd, timeoutMs int) int {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		return n
	}
}

func TestTimerFires(t *testing.T) {
	tm, err := NewTimer()
	if err != nil {
		t.Fatal(err)
	}
	defer tm.Dispose()

	if err := tm.Arm(20 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if n := pollReadable(t, tm.Fd(), 1000); n != 1 {
		t.Fatal("armed timer never became readable")
	}
	tm.Drain()
}

func TestTimerDisarm(t *testing.T) {
	tm, err := NewTimer()
	if err != nil {
		t.Fatal(err)
	}
	defer tm.Dispose()

	if err := tm.Arm(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := tm.Disarm(); err != nil {
		t.Fatal(err)
	}
	if n := pollReadable(t, tm.Fd(), 150); n != 0 {
		t.Fatal("disarmed timer fired")
	}
}
