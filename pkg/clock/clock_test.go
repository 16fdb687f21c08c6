package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(base)

	if got := m.Now(); !got.Equal(base) {
		t.Fatalf("Now() = %v, want %v", got, base)
	}

	m.Advance(5 * time.Minute)
	want := base.Add(5 * time.Minute)
	if got := m.Now(); !got.Equal(want) {
		t.Fatalf("after Advance: Now() = %v, want %v", got, want)
	}

	m.Set(base)
	if got := m.Now(); !got.Equal(base) {
		t.Fatalf("after Set: Now() = %v, want %v", got, base)
	}
}

func TestSystemClockMonotonic(t *testing.T) {
	var c SystemClock
	first := c.Now()
	second := c.Now()
	if second.Before(first) {
		t.Fatalf("SystemClock went backwards: %v then %v", first, second)
	}
}
