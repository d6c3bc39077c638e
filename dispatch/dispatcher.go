// Package dispatch runs the transformer chain on a worker with timeout and in-process fallback.
package dispatch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/transform"
)

const (
	DefaultTimeout = 5 * time.Second
	// MaxRestarts is the number of worker restarts without a single reply in between
	// after which the dispatcher stays in process.
	MaxRestarts = 3
)

var (
	ErrClosed      = errors.New("dispatcher closed")
	ErrWorkerFault = errors.New("worker fault")
)

type result struct {
	cmds []command.Command
	err  error
}

// Dispatcher transforms commands on a worker mirroring the configuration of chain.
type Dispatcher struct {
	chain   *transform.Chain
	factory WorkerFactory
	timeout time.Duration
	log     debug.Logger

	mu       sync.Mutex
	worker   Worker
	pending  map[uuid.UUID]chan result
	restarts int
	closed   bool

	// what the worker has seen of the chain
	synced  bool
	version uint64
	epoch   uint64

	stop   chan struct{}
	wg     sync.WaitGroup
	starts int
}

// Option configures a Dispatcher.
type Option func(d *Dispatcher)

// Timeout sets how long a request may wait for the worker.
func Timeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// Factory sets how workers are started. A nil factory runs everything in process.
func Factory(f WorkerFactory) Option {
	return func(d *Dispatcher) {
		d.factory = f
	}
}

// Logger sets the sink for timeouts and worker faults.
func Logger(l debug.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New starts a worker mirroring chain. Changes and resets of chain reach the
// worker before the next request.
func New(chain *transform.Chain, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		chain:   chain,
		factory: NewWorker,
		timeout: DefaultTimeout,
		log:     debug.Nop,
		pending: map[uuid.UUID]chan result{},
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.mu.Lock()
	d.startWorker()
	d.mu.Unlock()
	return d
}

// startWorker starts a worker and syncs it; callers hold mu.
func (d *Dispatcher) startWorker() {
	d.worker = nil
	if d.factory == nil || d.closed {
		return
	}
	if d.restarts > MaxRestarts {
		d.log.Log("dispatch", "giving up on workers after %d restarts, running in process", MaxRestarts)
		return
	}
	w, err := d.factory()
	if err != nil || w == nil {
		d.log.Log("dispatch", "can't start worker, running in process: %v", err)
		return
	}
	d.starts++
	d.worker = w
	// a fresh worker has no state to reset
	d.synced = false
	d.epoch = d.chain.Epoch()
	if err := d.catchUp(); err != nil {
		d.log.Log("dispatch", "sync: %v", err)
	}

	d.wg.Add(1)
	go d.serve(w)
}

// catchUp posts the configuration and reset the worker has not seen yet,
// so that they arrive before the next request; callers hold mu.
func (d *Dispatcher) catchUp() error {
	if d.worker == nil {
		return nil
	}
	version, epoch := d.chain.Version(), d.chain.Epoch()
	if !d.synced || version != d.version {
		if err := d.worker.Post(Message{Kind: MsgSync, Records: d.chain.Export()}); err != nil {
			return errors.Wrap(err, "sync")
		}
		d.synced, d.version = true, version
	}
	if epoch != d.epoch {
		if err := d.worker.Post(Message{Kind: MsgReset}); err != nil {
			return errors.Wrap(err, "reset")
		}
		d.epoch = epoch
	}
	return nil
}

// Starts returns how many workers were started so far.
func (d *Dispatcher) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// InProcess reports whether there is no worker.
func (d *Dispatcher) InProcess() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.worker == nil
}

// serve routes the replies of w to their requests until w faults.
func (d *Dispatcher) serve(w Worker) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case r, ok := <-w.Replies():
			if !ok {
				d.fault(w, errors.New("reply channel closed"))
				return
			}
			d.resolve(r)
		case err := <-w.Faults():
			d.fault(w, err)
			return
		}
	}
}

func (d *Dispatcher) resolve(r Reply) {
	d.mu.Lock()
	ch, ok := d.pending[r.ID]
	delete(d.pending, r.ID)
	if ok {
		d.restarts = 0
	}
	d.mu.Unlock()

	if !ok {
		d.log.Log("dispatch", "ignoring late reply %s", r.ID)
		return
	}
	ch <- result{cmds: r.Commands}
}

// fault rejects everything outstanding and replaces w.
func (d *Dispatcher) fault(w Worker, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.worker != w {
		return
	}
	d.log.Log("dispatch", "worker fault, rejecting %d requests: %v", len(d.pending), err)
	d.reject(errors.Wrapf(ErrWorkerFault, "%v", err))
	w.Terminate()
	d.restarts++
	d.startWorker()
}

// reject fails all pending requests; callers hold mu.
func (d *Dispatcher) reject(err error) {
	for id, ch := range d.pending {
		ch <- result{err: err}
		delete(d.pending, id)
	}
}

// Transform runs cmds through the chain. Worker problems are handled
// internally; the only errors are ErrClosed and the error of ctx.
func (d *Dispatcher) Transform(ctx context.Context, cmds []command.Command, clk clock.Snapshot) ([]command.Command, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	w := d.worker
	if w == nil {
		d.mu.Unlock()
		return d.deferred(ctx, cmds, clk)
	}
	if err := d.catchUp(); err != nil {
		d.mu.Unlock()
		d.log.Log("dispatch", "%v, running in process", err)
		return d.chain.Apply(cmds, clk), nil
	}
	id := uuid.New()
	ch := make(chan result, 1)
	d.pending[id] = ch
	// posted under mu so that requests and resets reach the worker in order
	if err := w.Post(Message{Kind: MsgTransform, ID: id, Commands: command.Copy(cmds), Clock: clk}); err != nil {
		delete(d.pending, id)
		d.mu.Unlock()
		d.log.Log("dispatch", "post %s: %v, running in process", id, err)
		return d.chain.Apply(cmds, clk), nil
	}
	d.mu.Unlock()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.cmds, nil
		}
		if errors.Is(r.err, ErrClosed) {
			return nil, ErrClosed
		}
		d.log.Log("dispatch", "request %s rejected: %v, running in process", id, r.err)
		return d.chain.Apply(cmds, clk), nil
	case <-timer.C:
		d.forget(id)
		d.log.Log("dispatch", "request %s timed out after %v, running in process", id, d.timeout)
		return d.chain.Apply(cmds, clk), nil
	case <-ctx.Done():
		d.forget(id)
		return nil, ctx.Err()
	}
}

// deferred runs the chain in process after yielding to other goroutines.
func (d *Dispatcher) deferred(ctx context.Context, cmds []command.Command, clk clock.Snapshot) ([]command.Command, error) {
	runtime.Gosched()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.chain.Apply(cmds, clk), nil
}

func (d *Dispatcher) forget(id uuid.UUID) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Close terminates the worker. Outstanding and later requests fail with ErrClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.stop)
	d.reject(ErrClosed)
	w := d.worker
	d.worker = nil
	d.mu.Unlock()

	if w != nil {
		w.Terminate()
	}
	d.wg.Wait()
	return nil
}
