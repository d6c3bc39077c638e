package mididev

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi"
	"gitlab.com/gomidi/midi/reader"

	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
)

var ErrPortClosed = errors.New("midi port is not open")

// Input reads a MIDI in port and delivers its messages as commands.
type Input struct {
	in   midi.In
	name string
	now  func() float64
	log  debug.Logger

	cmds    chan command.Command
	dropped int64

	mu        sync.Mutex
	listening bool
}

// NewInput returns an input for in. now returns the transport time the
// commands are stamped with; buffer is the size of the command channel.
func NewInput(in midi.In, now func() float64, buffer int, log debug.Logger) *Input {
	if buffer <= 0 {
		buffer = 100
	}
	if log == nil {
		log = debug.Nop
	}
	if now == nil {
		now = func() float64 { return 0 }
	}
	return &Input{
		in:   in,
		name: in.String(),
		now:  now,
		log:  log,
		cmds: make(chan command.Command, buffer),
	}
}

// Commands returns the received commands.
func (i *Input) Commands() <-chan command.Command {
	return i.cmds
}

// Dropped returns the number of commands dropped because nobody read them in time.
func (i *Input) Dropped() int64 {
	return atomic.LoadInt64(&i.dropped)
}

// Listen starts reading the port. The port must be open.
func (i *Input) Listen() error {
	if !i.in.IsOpen() {
		return errors.Wrapf(ErrPortClosed, "midi in port no %v (%s)", i.in.Number(), i.in.String())
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listening {
		return nil
	}

	rd := reader.New(
		reader.NoLogger(),
		reader.Each(func(p *reader.Position, msg midi.Message) {
			c, ok := FromMessage(msg, i.now())
			if !ok {
				return
			}
			c.From = i.name
			select {
			case i.cmds <- c:
			default:
				atomic.AddInt64(&i.dropped, 1)
				i.log.Log("midi", "%s: dropping %s", i.name, msg)
			}
		}),
	)
	i.listening = true
	go rd.ListenTo(i.in)
	return nil
}

// Close stops listening. The port itself is left open.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.listening {
		return nil
	}
	i.listening = false
	return i.in.StopListening()
}
