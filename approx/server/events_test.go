package server

import (
	"testing"
	"time"
)

func TestEventsFireInDeadlineOrder(t *testing.T) {
	m := NewEventManager()
	base := time.Unix(1000, 0)
	var fired []int
	m.Schedule(base.Add(3*time.Second), func() { fired = append(fired, 3) })
	m.Schedule(base.Add(time.Second), func() { fired = append(fired, 1) })
	m.Schedule(base.Add(2*time.Second), func() { fired = append(fired, 2) })

	m.RunDue(base)
	if len(fired) != 0 {
		t.Fatalf("events fired before their deadlines: %v", fired)
	}
	m.RunDue(base.Add(2 * time.Second))
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("fired %v, want [1 2]", fired)
	}
	m.RunDue(base.Add(time.Hour))
	if len(fired) != 3 || fired[2] != 3 {
		t.Fatalf("fired %v, want [1 2 3]", fired)
	}
	if m.Pending() != 0 {
		t.Fatalf("%d events still pending", m.Pending())
	}
}

func TestEqualDeadlinesKeepScheduleOrder(t *testing.T) {
	m := NewEventManager()
	at := time.Unix(1000, 0)
	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		m.Schedule(at, func() { fired = append(fired, i) })
	}
	m.RunDue(at)
	for i, v := range fired {
		if v != i {
			t.Fatalf("fired %v, want schedule order", fired)
		}
	}
}

func TestResetDropsPendingEvents(t *testing.T) {
	m := NewEventManager()
	fired := false
	m.Schedule(time.Unix(0, 0), func() { fired = true })
	m.Reset()
	m.RunDue(time.Unix(10, 0))
	if fired {
		t.Fatal("event fired after Reset")
	}
}
