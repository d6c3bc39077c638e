package dispatch

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/transform"
)

// MessageKind selects what a worker does with a Message.
type MessageKind int

const (
	// MsgSync brings the worker's chain to the configuration in Records.
	MsgSync MessageKind = iota
	// MsgReset resets the worker's chain.
	MsgReset
	// MsgTransform runs Commands through the worker's chain and replies with ID.
	MsgTransform
)

// Message is sent to a worker. It shares no memory with the sender.
type Message struct {
	Kind     MessageKind
	ID       uuid.UUID
	Records  []transform.Record
	Commands []command.Command
	Clock    clock.Snapshot
}

// Reply answers a MsgTransform message.
type Reply struct {
	ID       uuid.UUID
	Commands []command.Command
}

// Worker runs a chain in its own context and talks to the dispatcher only by messages.
type Worker interface {
	// Post hands m to the worker without waiting for it to be processed.
	Post(m Message) error
	Replies() <-chan Reply
	// Faults receives at most one error, after which the worker is dead.
	Faults() <-chan error
	Terminate()
}

// WorkerFactory starts a worker.
type WorkerFactory func() (Worker, error)

var (
	ErrWorkerBusy       = errors.New("worker inbox full")
	ErrWorkerTerminated = errors.New("worker terminated")
)

const inboxSize = 64

// goroutineWorker runs its own chain on a goroutine.
type goroutineWorker struct {
	id      uuid.UUID
	inbox   chan Message
	replies chan Reply
	faults  chan error
	done    chan struct{}
	once    sync.Once
}

// NewWorker starts a worker goroutine with an empty chain. It never fails;
// the error is there to satisfy WorkerFactory.
func NewWorker() (Worker, error) {
	w := &goroutineWorker{
		id:      uuid.New(),
		inbox:   make(chan Message, inboxSize),
		replies: make(chan Reply, inboxSize),
		faults:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *goroutineWorker) String() string { return "worker " + w.id.String() }

func (w *goroutineWorker) Post(m Message) error {
	select {
	case <-w.done:
		return ErrWorkerTerminated
	default:
	}
	select {
	case w.inbox <- m:
		return nil
	case <-w.done:
		return ErrWorkerTerminated
	default:
		return ErrWorkerBusy
	}
}

func (w *goroutineWorker) Replies() <-chan Reply { return w.replies }
func (w *goroutineWorker) Faults() <-chan error  { return w.faults }

func (w *goroutineWorker) Terminate() {
	w.once.Do(func() { close(w.done) })
}

func (w *goroutineWorker) loop() {
	defer func() {
		if r := recover(); r != nil {
			w.fail(errors.Errorf("%s: panic: %v", w, r))
		}
	}()

	chain := transform.NewChain()
	for {
		select {
		case <-w.done:
			return
		case m := <-w.inbox:
			switch m.Kind {
			case MsgSync:
				// members of unchanged type keep their held notes
				if err := chain.Import(m.Records); err != nil {
					w.fail(errors.Wrapf(err, "%s: sync", w))
					return
				}
			case MsgReset:
				chain.Reset()
			case MsgTransform:
				r := Reply{ID: m.ID, Commands: chain.Apply(m.Commands, m.Clock)}
				select {
				case w.replies <- r:
				case <-w.done:
					return
				}
			default:
				w.fail(errors.Errorf("%s: unknown message kind %d", w, m.Kind))
				return
			}
		}
	}
}

func (w *goroutineWorker) fail(err error) {
	select {
	case w.faults <- err:
	default:
	}
}
