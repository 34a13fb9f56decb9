package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShutdownRunsInRegistrationOrder(t *testing.T) {
	s := NewShutdowner(time.Second)

	var order []string
	s.Register(func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	s.Register(func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	s.Trigger()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := NewShutdowner(time.Second)

	count := 0
	s.Register(func(context.Context) error {
		count++
		return nil
	})

	s.Trigger()
	s.Trigger()

	if count != 1 {
		t.Fatalf("teardown ran %d times", count)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Trigger")
	}
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	s := NewShutdowner(time.Second)

	ran := false
	s.Register(func(context.Context) error {
		return errors.New("teardown failure")
	})
	s.Register(func(context.Context) error {
		ran = true
		return nil
	})

	s.Trigger()

	if !ran {
		t.Fatal("a failing teardown stopped the rest")
	}
}

func TestShutdownGraceDeadline(t *testing.T) {
	s := NewShutdowner(50 * time.Millisecond)

	skipped := true
	s.Register(func(ctx context.Context) error {
		<-ctx.Done() // overstays the grace period
		return ctx.Err()
	})
	s.Register(func(context.Context) error {
		skipped = false
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.Trigger()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not return after the grace deadline")
	}
	if !skipped {
		t.Fatal("teardown after the deadline should have been skipped")
	}
}

func TestConcurrentTriggerWaits(t *testing.T) {
	s := NewShutdowner(time.Second)

	release := make(chan struct{})
	s.Register(func(context.Context) error {
		<-release
		return nil
	})

	go s.Trigger()
	time.Sleep(20 * time.Millisecond)

	second := make(chan struct{})
	go func() {
		s.Trigger() // must block until the first completes
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second Trigger returned before teardown finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second Trigger never returned")
	}
}
