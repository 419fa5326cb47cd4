// Package dispatcher runs every state transition of one adapter on a single
// goroutine, in submission order.
//
// Radio completions arrive on arbitrary goroutines. They capture their
// arguments by value and Post a continuation; the continuation is the only
// code allowed to touch manager state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/groutine"
)

// ErrStopped is returned when posting to a dispatcher that is not running.
var ErrStopped = errors.New("dispatcher stopped")

// Task is a unit of work executed on the dispatcher goroutine.
type Task func()

// Dispatcher is a single-goroutine FIFO executor.
type Dispatcher struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []Task
	running bool
	wake    chan struct{}
	done    <-chan struct{}

	gid       atomic.Uint64
	processed atomic.Int64
	panics    atomic.Int64
}

// New creates a stopped dispatcher.
func New(name string, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the worker goroutine. Starting a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.done = groutine.Go(ctx, d.name, d.loop)
}

// Stop rejects new tasks, runs the ones already queued and waits for the worker to exit.
// Calling Stop from a task would deadlock and is rejected with an error log.
func (d *Dispatcher) Stop() {
	if d.IsDispatcherGoroutine() {
		d.logger.WithField("dispatcher", d.name).Error("Stop called from dispatcher goroutine; ignored")
		return
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	done := d.done
	d.mu.Unlock()

	d.signal()
	<-done
}

// Post enqueues task. It never blocks.
func (d *Dispatcher) Post(task Task) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrStopped
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	d.signal()
	return nil
}

// Call runs task on the dispatcher and waits for it, bounded by timeout.
// Called from the dispatcher goroutine it runs task inline.
func (d *Dispatcher) Call(ctx context.Context, timeout time.Duration, task Task) error {
	if d.IsDispatcherGoroutine() {
		task()
		return nil
	}

	done := NewOneshot[struct{}]()
	if err := d.Post(func() {
		defer done.Complete(struct{}{})
		task()
	}); err != nil {
		return err
	}

	if _, err := done.Wait(ctx, timeout); err != nil {
		return fmt.Errorf("dispatcher %s call: %w", d.name, err)
	}
	return nil
}

// IsDispatcherGoroutine reports whether the caller runs on the worker goroutine.
func (d *Dispatcher) IsDispatcherGoroutine() bool {
	gid := d.gid.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Processed returns the number of tasks executed so far.
func (d *Dispatcher) Processed() int64 {
	return d.processed.Load()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	d.gid.Store(groutine.GetGID())
	defer d.gid.Store(0)

	log := d.logger.WithField("dispatcher", groutine.GetName(ctx))
	log.Debug("Dispatcher started")

	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		running := d.running
		d.mu.Unlock()

		for _, task := range batch {
			d.run(log, task)
		}

		if !running && len(batch) == 0 {
			log.WithField("processed", d.processed.Load()).Debug("Dispatcher stopped")
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.wake:
		case <-ctx.Done():
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) run(log *logrus.Entry, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.WithField("panic", r).Error("Dispatcher task panicked")
		}
	}()
	task()
	d.processed.Add(1)
}

// DefaultWaitTimeout bounds every cross-goroutine rendezvous.
const DefaultWaitTimeout = 5 * time.Second

// Oneshot is a single-value completion used to make async flows look synchronous.
type Oneshot[T any] struct {
	ch   chan T
	once sync.Once
}

func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{ch: make(chan T, 1)}
}

// Complete delivers v. Only the first call has an effect; it reports whether v was delivered.
func (o *Oneshot[T]) Complete(v T) bool {
	delivered := false
	o.once.Do(func() {
		o.ch <- v
		delivered = true
	})
	return delivered
}

// Wait blocks until Complete, timeout or ctx cancellation.
// A timeout yields bt.ErrTimeout.
func (o *Oneshot[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-o.ch:
		return v, nil
	case <-timer.C:
		return zero, bt.ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
