package ttlclock

import "testing"

func TestClock_DoesNotAccrueWhileDisconnected(t *testing.T) {
	c := New(100)
	if v := c.Read(); v != 100 {
		t.Fatalf("expected clock to start at 100, got %d", v)
	}
}

func TestClock_WriteOverridesValue(t *testing.T) {
	c := New(0)
	c.Write(500)
	if v := c.Read(); v != 500 {
		t.Fatalf("expected 500 after Write, got %d", v)
	}
}

func TestScheduleDelay_ClampsToHysteresisAndMax(t *testing.T) {
	if d := scheduleDelay(0); d != TTLTimerHysteresis {
		t.Fatalf("expected zero delta to clamp to hysteresis, got %v", d)
	}
	huge := int64(MaxTTLMillis/1_000_000) + 1_000_000
	if d := scheduleDelay(huge); d != MaxTTLMillis {
		t.Fatalf("expected large delta to clamp to MaxTTLMillis, got %v", d)
	}
}

func TestScheduler_SetDeadlineTracksNearest(t *testing.T) {
	clock := New(0)
	var evicted []string
	s := NewScheduler(clock, func(hash string) { evicted = append(evicted, hash) })

	s.SetDeadline("q1", 10000)
	s.SetDeadline("q2", 5000)
	hash, deadline, ok := s.nearestLocked()
	if !ok || hash != "q2" || deadline != 5000 {
		t.Fatalf("expected q2 (5000) to be nearest, got %s %d", hash, deadline)
	}

	s.Cancel("q2")
	hash, deadline, ok = s.nearestLocked()
	if !ok || hash != "q1" || deadline != 10000 {
		t.Fatalf("expected q1 (10000) to be nearest after cancel, got %s %d", hash, deadline)
	}
}
