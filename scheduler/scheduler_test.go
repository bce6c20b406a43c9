package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsRepeatedly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)

	var runs atomic.Int32
	if !s.Schedule("verify", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}) {
		t.Fatal("first Schedule returned false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("job ran %d times", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	s.Wait()
	if jobs := s.Jobs(); len(jobs) != 0 {
		t.Errorf("jobs after cancel = %v", jobs)
	}
}

func TestScheduleKeepsExistingJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)

	var second atomic.Bool
	s.Schedule("verify", time.Hour, func(context.Context) error { return nil })
	if s.Schedule("verify", time.Millisecond, func(context.Context) error {
		second.Store(true)
		return nil
	}) {
		t.Error("duplicate job was scheduled")
	}
	time.Sleep(20 * time.Millisecond)
	if second.Load() {
		t.Error("replacement job ran")
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0] != "verify" {
		t.Errorf("Jobs() = %v", jobs)
	}
}

func TestFailingJobKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)

	var runs atomic.Int32
	s.Schedule("flaky", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("probe failed")
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("failing job was not retried")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(ctx)
	if s.Schedule("late", time.Second, func(context.Context) error { return nil }) {
		t.Error("scheduled a job on a canceled scheduler")
	}
}
