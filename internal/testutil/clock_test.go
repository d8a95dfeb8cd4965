package testutil

import (
	"testing"
	"time"
)

func TestTickingClock(t *testing.T) {
	c := NewTickingClock()
	first := c.Now()
	if !first.Equal(Epoch) {
		t.Fatalf("first Now() = %v, want %v", first, Epoch)
	}
	if second := c.Now(); !second.After(first) {
		t.Errorf("second Now() = %v, not after %v", second, first)
	}
	c.Advance(time.Hour)
	if got, want := c.Now(), Epoch.Add(2*time.Second+time.Hour); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestStubIDGenerator(t *testing.T) {
	a, b := NewStubIDGenerator("a"), NewStubIDGenerator("b")
	if got := a.New(); got != "a-1" {
		t.Errorf("New() = %q, want a-1", got)
	}
	if got := a.New(); got != "a-2" {
		t.Errorf("New() = %q, want a-2", got)
	}
	if got := b.New(); got != "b-1" {
		t.Errorf("New() = %q, want b-1", got)
	}
}
