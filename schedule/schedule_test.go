package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobFiresRepeatedly(t *testing.T) {
	s := NewScheduler(nil)

	var runs atomic.Int32
	err := s.Add(Job{
		Name:  "tick",
		Every: 20 * time.Millisecond,
		Action: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if n := runs.Load(); n < 3 {
		t.Fatalf("expect at least 3 runs, got %d", n)
	}

	state, err := s.JobState("tick")
	if err != nil {
		t.Fatal(err)
	}
	if state != StateIdle && state != StateDue && state != StateDispatching {
		t.Fatalf("unexpected state %v", state)
	}
}

func TestFailingActionDoesNotHaltSchedule(t *testing.T) {
	s := NewScheduler(nil)

	var runs atomic.Int32
	err := s.Add(Job{
		Name:  "flaky",
		Every: 20 * time.Millisecond,
		Action: func(ctx context.Context) error {
			n := runs.Add(1)
			if n == 1 {
				return errors.New("first run fails")
			}
			if n == 2 {
				panic("second run panics")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if n := runs.Load(); n < 3 {
		t.Fatalf("schedule halted after failure: %d runs", n)
	}
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(ctx context.Context) error { return nil }

	if err := s.Add(Job{Name: "", Every: time.Second, Action: noop}); err == nil {
		t.Fatal("expect error for empty name")
	}
	if err := s.Add(Job{Name: "x", Every: 0, Action: noop}); err == nil {
		t.Fatal("expect error for zero interval")
	}
	if err := s.Add(Job{Name: "x", Every: time.Second}); err == nil {
		t.Fatal("expect error for nil action")
	}

	if err := s.Add(Job{Name: "x", Every: time.Second, Action: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "x", Every: time.Second, Action: noop}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expect ErrDuplicateJob, got %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Add(Job{Name: "late", Every: time.Second, Action: noop}); !errors.Is(err, ErrSchedulerStarted) {
		t.Fatalf("expect ErrSchedulerStarted, got %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrSchedulerStarted) {
		t.Fatalf("expect ErrSchedulerStarted, got %v", err)
	}
}

func TestJobStateUnknown(t *testing.T) {
	s := NewScheduler(nil)
	if _, err := s.JobState("ghost"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expect ErrUnknownJob, got %v", err)
	}
}

func TestStopWaitsForInFlightAction(t *testing.T) {
	s := NewScheduler(nil)

	started := make(chan struct{}, 1)
	var finished atomic.Bool
	err := s.Add(Job{
		Name:  "slow",
		Every: 10 * time.Millisecond,
		Action: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	<-started
	s.Stop()

	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight action finished")
	}
}
