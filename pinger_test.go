package mq

import (
	"testing"
	"time"
)

func TestPingerResetFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := newPinger(30*time.Millisecond, func() { fired <- struct{}{} })

	p.reset()
	if !p.isReset {
		t.Fatal("isReset should be true immediately after reset()")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pinger to fire after reset()")
	}
}

func TestPingerArmQuietDoesNotMarkReset(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := newPinger(30*time.Millisecond, func() { fired <- struct{}{} })

	p.armQuiet()
	if p.isReset {
		t.Fatal("isReset should be false after armQuiet()")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pinger to fire after armQuiet()")
	}
}

// TestPingerQuietPeriodRequiresExplicitReset covers the invariant the
// PingTimeout detection depends on: once armQuiet clears isReset, only a
// later reset() call (real traffic) can set it back, never another
// armQuiet().
func TestPingerQuietPeriodRequiresExplicitReset(t *testing.T) {
	p := newPinger(time.Hour, func() {})

	p.reset()
	if !p.isReset {
		t.Fatal("isReset should be true after reset()")
	}

	p.armQuiet()
	if p.isReset {
		t.Fatal("isReset should be false after armQuiet()")
	}

	p.armQuiet()
	if p.isReset {
		t.Fatal("a second armQuiet() must not set isReset back to true")
	}

	p.reset()
	if !p.isReset {
		t.Fatal("isReset should be true again after a genuine reset()")
	}
	p.stop()
}

func TestPingerStopCancelsWithoutRearming(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := newPinger(30*time.Millisecond, func() { fired <- struct{}{} })

	p.reset()
	p.stop()

	select {
	case <-fired:
		t.Fatal("pinger fired after stop(), want no fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPingerZeroIntervalDisablesTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := newPinger(0, func() { fired <- struct{}{} })

	p.reset()
	select {
	case <-fired:
		t.Fatal("pinger with interval 0 fired, want no fire")
	case <-time.After(100 * time.Millisecond):
	}

	p.armQuiet()
	select {
	case <-fired:
		t.Fatal("pinger with interval 0 fired after armQuiet(), want no fire")
	case <-time.After(100 * time.Millisecond):
	}
}
