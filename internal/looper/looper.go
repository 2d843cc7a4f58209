// Package looper runs submitted work one task at a time on a dedicated
// goroutine, in submission order.
//
// Each device slot owns one Looper for the duration of its open interval.
// Device and session callbacks for that slot are posted to it, so slot state
// is only ever touched from a single goroutine.
package looper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/DualCapture/internal/logger"
)

var (
	// ErrQuitting is returned when work is posted after QuitSafely.
	ErrQuitting = errors.New("looper: quitting")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("looper: already started")
	// ErrTaskPanicked is returned by Call when the task panicked.
	ErrTaskPanicked = errors.New("looper: task panicked")
)

// Looper is a single-consumer FIFO work queue with an unbounded backlog.
type Looper struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	started  bool
	quitting bool

	done chan struct{}
}

// New returns a looper that has not been started. Work posted before Start
// is queued and runs once the loop begins.
func New(name string) *Looper {
	l := &Looper{
		name: name,
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Name returns the name given to New.
func (l *Looper) Name() string {
	return l.name
}

// Start spawns the loop goroutine.
func (l *Looper) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return ErrQuitting
	}
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true
	go l.loop()

	logger.WithComponent("looper").Debug().Str("looper", l.name).Msg("Looper started")
	return nil
}

// Post enqueues fn. It never blocks.
func (l *Looper) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return ErrQuitting
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return nil
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a task already running on this looper.
func (l *Looper) Call(fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		err := ErrTaskPanicked
		defer func() { result <- err }()
		err = fn()
	}
	if err := l.Post(task); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		// the loop only exits once the queue is empty, so the result is ready
		return <-result
	}
}

// QuitSafely stops accepting new work. Work already queued still runs, then
// the loop exits. On a looper that was never started the queue is drained on
// a fresh goroutine. It does not wait; use Join for that.
func (l *Looper) QuitSafely() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return
	}
	l.quitting = true
	if !l.started {
		// drain what was posted before Start so waiting Calls return
		l.started = true
		go l.loop()
	}
	l.cond.Broadcast()
}

// Quitting reports whether QuitSafely has been called.
func (l *Looper) Quitting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quitting
}

// Join blocks until the loop has exited. Calling Join before QuitSafely
// blocks until some other goroutine quits the looper. Joining from a task
// running on this looper deadlocks.
func (l *Looper) Join() {
	<-l.done
}

// Done is closed once the loop has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Stop is QuitSafely followed by Join.
func (l *Looper) Stop() {
	l.QuitSafely()
	l.Join()
}

// Pending returns the number of queued tasks that have not started.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Looper) loop() {
	defer func() {
		close(l.done)
		logger.WithComponent("looper").Debug().Str("looper", l.name).Msg("Looper exited")
	}()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.quitting {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

func (l *Looper) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("looper").Error().
				Str("looper", l.name).
				Str("panic", fmt.Sprint(r)).
				Msg("Task panicked")
		}
	}()
	fn()
}
