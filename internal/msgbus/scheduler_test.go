package msgbus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsPeriodically(t *testing.T) {
	s := NewScheduler()
	var count int32
	h := s.Every(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	defer s.Clear(h)

	time.Sleep(55 * time.Millisecond)

	if atomic.LoadInt32(&count) < 3 {
		t.Errorf("count = %d, want at least 3 ticks in 55ms at 10ms interval", count)
	}
}

func TestClearStopsFurtherInvocations(t *testing.T) {
	s := NewScheduler()
	var count int32
	h := s.Every(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })

	time.Sleep(20 * time.Millisecond)
	s.Clear(h)
	after := atomic.LoadInt32(&count)

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&count) != after {
		t.Errorf("count changed after Clear: before=%d after=%d", after, atomic.LoadInt32(&count))
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := NewScheduler()
	h := s.Every(time.Hour, func() {})
	s.Clear(h)
	s.Clear(h) // must not panic
}

func TestStopAllClearsEveryHandle(t *testing.T) {
	s := NewScheduler()
	var countA, countB int32
	s.Every(5*time.Millisecond, func() { atomic.AddInt32(&countA, 1) })
	s.Every(5*time.Millisecond, func() { atomic.AddInt32(&countB, 1) })

	time.Sleep(15 * time.Millisecond)
	s.StopAll()

	a, b := atomic.LoadInt32(&countA), atomic.LoadInt32(&countB)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&countA) != a || atomic.LoadInt32(&countB) != b {
		t.Error("expected no further ticks after StopAll")
	}
}
