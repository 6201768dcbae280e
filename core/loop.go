package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer, false if it already ran or was stopped.
	Stop() bool
}

// Scheduler schedules callbacks. The callbacks of a Loop scheduler run on the
// loop goroutine, serialized with every other task.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Loop executes posted tasks one at a time on a single goroutine. All the
// component state of a session is owned by its loop, so components never
// lock. Post never blocks.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	exit chan struct{}
	done chan struct{}
	once sync.Once

	logger *slog.Logger
	now    func() time.Time
}

type LoopOption func(*Loop)

func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		l.now = now
	}
}

func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		exit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop on a new goroutine until ctx is done or Close is called.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run executes tasks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		l.logger.Debug("loop stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.exit:
			return
		case <-l.wake:
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, task := range batch {
				l.run(task)
			}
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(fmt.Sprintf("loop task panic: %v", r))
		}
	}()
	task()
}

// Post enqueues f to run on the loop.
func (l *Loop) Post(f func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs f on the loop and waits for it to return.
// It must not be called from a loop task.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Pending tasks are discarded. It does not wait; use
// Done for that.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.exit)
	})
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Now() time.Time {
	return l.now()
}

// loopTimer is only touched on the loop, so a timer stopped after it fired
// but before its task ran still never calls f.
type loopTimer struct {
	t       *time.Timer
	stopped bool
}

func (lt *loopTimer) Stop() bool {
	if lt.stopped {
		return false
	}
	lt.stopped = true
	lt.t.Stop()
	return true
}

// AfterFunc schedules f to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			f()
		})
	})
	return lt
}

// Scope collects the release functions of resources acquired for one
// activation, typically one open conversation view. Release runs them in
// reverse order of acquisition and is idempotent.
type Scope struct {
	releases []func()
	released bool
}

func (s *Scope) Add(release func()) {
	if s.released {
		release()
		return
	}
	s.releases = append(s.releases, release)
}

// Subscriber is the registration surface a scope can acquire handlers from.
type Subscriber interface {
	Subscribe(event string, h Handler) (unsubscribe func())
}

// Subscribe registers h for event on src and releases it with the scope.
func (s *Scope) Subscribe(src Subscriber, event string, h Handler) {
	s.Add(src.Subscribe(event, h))
}

func (s *Scope) Release() {
	if s.released {
		return
	}
	s.released = true
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}
