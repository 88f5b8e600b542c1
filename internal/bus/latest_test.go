package bus_test

import (
	"testing"

	"github.com/MrWong99/conversify/internal/bus"
)

func TestLatest_KeepsNewest(t *testing.T) {
	t.Parallel()

	l := bus.NewLatest[int](3)
	if _, ok := l.Newest(); ok {
		t.Fatal("empty ring reported a value")
	}
	for i := 1; i <= 5; i++ {
		l.Put(i)
	}

	if got := l.Snapshot(0); len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Errorf("Snapshot(0) = %v, want [3 4 5]", got)
	}
	if got := l.Snapshot(2); len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("Snapshot(2) = %v, want [4 5]", got)
	}
	if got := l.Snapshot(10); len(got) != 3 {
		t.Errorf("Snapshot(10) len = %d, want 3", len(got))
	}
	if v, ok := l.Newest(); !ok || v != 5 {
		t.Errorf("Newest() = %d, %v, want 5, true", v, ok)
	}
	if l.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", l.Dropped())
	}
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l.Len())
	}
}

func TestLatest_NotifyCoalesces(t *testing.T) {
	t.Parallel()

	l := bus.NewLatest[string](1)
	l.Put("a")
	l.Put("b")

	select {
	case <-l.Notify():
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-l.Notify():
		t.Fatal("notifications should coalesce")
	default:
	}
}
