package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	early := c.NewTimer(10 * time.Second)
	late := c.NewTimer(time.Minute)

	c.Advance(30 * time.Second)

	select {
	case got := <-early.C():
		if !got.Equal(start.Add(30 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, start.Add(30*time.Second))
		}
	default:
		t.Fatal("expected early timer to fire")
	}

	select {
	case <-late.C():
		t.Fatal("late timer fired too early")
	default:
	}

	if c.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)

	if !timer.Stop() {
		t.Fatal("expected Stop to report true for armed timer")
	}
	c.Advance(time.Hour)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
}

func TestFake_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.NewTimer(0)

	select {
	case <-timer.C():
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestFake_BlockUntil(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.NewTimer(time.Second)
	}()

	done := make(chan struct{})
	go func() {
		c.BlockUntil(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BlockUntil did not return after timer was armed")
	}
}
