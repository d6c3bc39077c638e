package schedule

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/transform"
)

// Output is where fired commands go.
type Output interface {
	NoteOn(note, velocity uint8) error
	NoteOff(note uint8) error
	AllNotesOff() error
}

// Sender is implemented by outputs that also accept commands other than notes
// and notes for another channel than their default one.
type Sender interface {
	Send(c command.Command) error
}

// GridSource tells the scheduler which grid to lock to. *transform.Chain implements it.
type GridSource interface {
	Grid() (divisor int, singleNotePerSlot bool, ok bool)
	Subscribe() (<-chan transform.Event, func())
}

// State is the gating mode of the scheduler.
type State int

const (
	// Unlocked drains due commands on every tick.
	Unlocked State = iota
	// Locked drains only on ticks aligned to the grid.
	Locked
)

func (s State) String() string {
	if s == Locked {
		return "locked"
	}
	return "unlocked"
}

type grid struct {
	divisor int
	single  bool
	ok      bool
}

// Scheduler owns the command queue and fires due commands to the outputs.
type Scheduler struct {
	mu      sync.Mutex
	queue   []command.Command
	outputs []Output
	limit   int
	paused  int
	state   State

	source GridSource
	grid   grid

	failures int64
	log      debug.Logger
}

// Option configures a Scheduler.
type Option func(s *Scheduler)

// Limit sets the number of commands executed per tick at most.
func Limit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

// Logger sets the sink for execution failures.
func Logger(l debug.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a scheduler reading its grid from source (may be nil for no grid)
// and writing to outputs.
func New(source GridSource, outputs []Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:  source,
		outputs: outputs,
		limit:   DefaultLimit,
		log:     debug.Nop,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Refresh()
	return s
}

// Refresh re-reads the grid from the source.
func (s *Scheduler) Refresh() {
	var g grid
	if s.source != nil {
		g.divisor, g.single, g.ok = s.source.Grid()
	}
	if g.divisor <= 0 {
		g.ok = false
	}
	s.mu.Lock()
	if g != s.grid {
		s.paused = 0
	}
	s.grid = g
	s.mu.Unlock()
}

// Enqueue adds commands to the queue.
func (s *Scheduler) Enqueue(cmds ...command.Command) {
	if len(cmds) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = insert(s.queue, cmds...)
	s.mu.Unlock()
}

// Pending returns the number of queued commands.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// State returns the gating mode of the last tick.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the number of commands an output failed to execute.
func (s *Scheduler) Failures() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Clear drops every queued command.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.paused = 0
	s.mu.Unlock()
}

// HandleTick decides whether the tick may drain the queue and does so.
// It never blocks on anything but the outputs and returns the number of
// executed commands.
func (s *Scheduler) HandleTick(tick clock.Tick) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.grid.ok {
		s.state = Unlocked
		return s.drain(tick.ElapsedSeconds)
	}

	s.state = Locked
	g := int64(s.grid.divisor)
	if tick.TicksElapsed%g != 0 || s.paused > 0 {
		if s.paused > 0 {
			s.paused--
		}
		return 0
	}

	n := s.drain(tick.ElapsedSeconds)
	if n > 0 && s.grid.single {
		s.paused = s.grid.divisor - 1
	}
	return n
}

// drain executes due commands; callers hold mu.
func (s *Scheduler) drain(now float64) int {
	var n int
	s.queue, n = Drain(s.queue, now, s.limit, s.execute)
	if n == s.limit && len(s.queue) > 0 && s.queue[0].StartAt <= now {
		s.log.Log("schedule", "limit of %d reached, deferring %d due commands", s.limit, s.due(now))
	}
	return n
}

func (s *Scheduler) due(now float64) int {
	var n int
	for _, c := range s.queue {
		if c.StartAt > now {
			break
		}
		n++
	}
	return n
}

// execute hands c to every output. Failures are logged and counted, never propagated.
func (s *Scheduler) execute(c command.Command) {
	if err := c.Validate(); err != nil {
		s.failures++
		s.log.Log("schedule", "skipping %v", err)
		return
	}
	c = c.Clamped()
	for i, o := range s.outputs {
		if err := fire(o, c); err != nil {
			s.failures++
			s.log.Log("schedule", "output %d: %s %d: %v", i, c.Kind, c.Number, err)
		}
	}
}

func fire(o Output, c command.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if o == nil {
		return errors.New("no output")
	}
	snd, canSend := o.(Sender)
	// notes with a channel go to that channel if the output can do it
	if canSend && (c.Channel != command.ChannelAll || !c.IsNoteOn() && !c.IsNoteOff()) {
		return snd.Send(c)
	}
	switch {
	case c.IsNoteOn():
		return o.NoteOn(uint8(c.Number), uint8(c.Velocity))
	case c.IsNoteOff():
		return o.NoteOff(uint8(c.Number))
	}
	return nil
}

// AllNotesOff silences every output and returns the first error.
func (s *Scheduler) AllNotesOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for i, o := range s.outputs {
		if o == nil {
			continue
		}
		if err := o.AllNotesOff(); err != nil {
			s.log.Log("schedule", "output %d: all notes off: %v", i, err)
			if first == nil {
				first = errors.Wrapf(err, "output %d", i)
			}
		}
	}
	return first
}

// Run handles ticks until ctx is done or ticks is closed. The grid is re-read
// whenever the source publishes a change.
func (s *Scheduler) Run(ctx context.Context, ticks <-chan clock.Tick) error {
	var events <-chan transform.Event
	if s.source != nil {
		var cancel func()
		events, cancel = s.source.Subscribe()
		defer cancel()
		s.Refresh()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			if tick.Drift > 0.005 {
				s.logEvery("clock", "tick %d late by %.1fms", tick.TicksElapsed, tick.Drift*1000)
			}
			s.HandleTick(tick)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.Refresh()
		}
	}
}

func (s *Scheduler) logEvery(category, format string, args ...any) {
	if w, ok := s.log.(*debug.Writer); ok {
		w.LogEvery(clock.PPQN, category, format, args...)
		return
	}
	s.log.Log(category, format, args...)
}
