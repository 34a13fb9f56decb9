package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod bounds how long graceful shutdown may run before
// the process gives up on stragglers.
const DefaultGracePeriod = 30 * time.Second

// ShutdownFunc performs one subsystem's teardown. It must respect ctx:
// when the grace deadline passes the context is cancelled and the
// function should abandon politeness.
type ShutdownFunc func(ctx context.Context) error

// Shutdowner runs registered teardown functions exactly once, either on
// SIGINT/SIGTERM or on an explicit Trigger call.
type Shutdowner struct {
	grace time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc

	once sync.Once
	done chan struct{}
}

// NewShutdowner creates a shutdowner. grace <= 0 selects the default.
func NewShutdowner(grace time.Duration) *Shutdowner {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Shutdowner{
		grace: grace,
		done:  make(chan struct{}),
	}
}

// Register appends a teardown function. Functions run in registration
// order during shutdown.
func (s *Shutdowner) Register(fn ShutdownFunc) {
	s.mu.Lock()
	s.funcs = append(s.funcs, fn)
	s.mu.Unlock()
}

// Watch installs the signal handler. Returns a channel closed once
// shutdown has completed.
func (s *Shutdowner) Watch() <-chan struct{} {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		slog.Info("shutdown: signal received", "signal", sig.String())
		signal.Stop(ch)
		s.Trigger()
	}()
	return s.done
}

// Trigger runs all registered teardown functions under the grace
// deadline. Idempotent: later calls wait for the first to finish.
func (s *Shutdowner) Trigger() {
	s.once.Do(func() {
		defer close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()

		s.mu.Lock()
		funcs := append([]ShutdownFunc(nil), s.funcs...)
		s.mu.Unlock()

		for _, fn := range funcs {
			if err := fn(ctx); err != nil {
				slog.Warn("shutdown: teardown error", "error", err)
			}
			if ctx.Err() != nil {
				slog.Warn("shutdown: grace period exceeded, forcing exit")
				return
			}
		}
	})
	<-s.done
}

// Done is closed once shutdown has completed.
func (s *Shutdowner) Done() <-chan struct{} { return s.done }
