package clock

import (
	"testing"
	"time"
)

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Fatalf("Now() = %v, expected %v", f.Now(), start)
	}

	fired := <-f.After(5 * time.Second)
	if want := start.Add(5 * time.Second); !fired.Equal(want) {
		t.Errorf("After fired at %v, expected %v", fired, want)
	}

	f.Advance(time.Minute)
	if want := start.Add(65 * time.Second); !f.Now().Equal(want) {
		t.Errorf("Now() = %v, expected %v", f.Now(), want)
	}

	<-f.After(0)
	sleeps := f.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Second || sleeps[1] != 0 {
		t.Errorf("Sleeps() = %v, expected [5s 0s]", sleeps)
	}
}

func TestReal(t *testing.T) {
	c := New()
	before := time.Now()
	if c.Now().Before(before) {
		t.Error("real clock went backwards")
	}
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}
