// Package command defines the musical event value passed through the pipeline.
package command

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Kind identifies what a Command does.
type Kind uint8

const (
	KindUnknown Kind = iota
	NoteOn
	NoteOff
	ControlChange
	ProgramChange
	PitchBend
	Aftertouch
	PolyAftertouch
	// Other carries uninterpreted device data in Raw.
	Other
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	NoteOn:         "noteOn",
	NoteOff:        "noteOff",
	ControlChange:  "controlChange",
	ProgramChange:  "programChange",
	PitchBend:      "pitchBend",
	Aftertouch:     "aftertouch",
	PolyAftertouch: "polyAftertouch",
	Other:          "other",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

const (
	// ChannelAll addresses every channel.
	ChannelAll = 0

	MaxValue7  = 127
	MaxValue14 = 16383
)

var ErrMissingKind = errors.New("command has no kind")

var lastID uint64

// NextID returns a process-wide unique, increasing id.
func NextID() uint64 {
	return atomic.AddUint64(&lastID, 1)
}

// Command is one musical event. It is treated as immutable: transformers
// derive new commands with Clone and overwrite fields on the copy.
type Command struct {
	ID   uint64
	Kind Kind

	// Number is the note number for note and poly aftertouch commands and
	// the controller number for control changes.
	Number   int
	Velocity int
	// Channel is 1-16 or ChannelAll.
	Channel int
	// Value is the 7 or 14 bit payload (control value, program, bend, pressure).
	Value int
	Raw   []byte

	// StartAt is the fire time in seconds on the transport clock.
	StartAt float64
	EndAt   float64
	// Time is the transport time the command originated at, TimeCode the wall clock.
	Time     float64
	TimeCode time.Time

	From string
	Text string
}

// New returns a command of the given kind with a fresh id.
func New(kind Kind, number, velocity int) Command {
	return Command{
		ID:       NextID(),
		Kind:     kind,
		Number:   number,
		Velocity: velocity,
	}
}

// On is a shortcut for a NoteOn starting at startAt.
func On(note, velocity int, startAt float64) Command {
	c := New(NoteOn, note, velocity)
	c.StartAt = startAt
	return c
}

// Off is a shortcut for a NoteOff starting at startAt.
func Off(note int, startAt float64) Command {
	c := New(NoteOff, note, 0)
	c.StartAt = startAt
	return c
}

// Clone returns a copy with a new id. Raw is copied, so the clone shares no memory with c.
func (c Command) Clone() Command {
	cl := c
	cl.ID = NextID()
	if c.Raw != nil {
		cl.Raw = append([]byte(nil), c.Raw...)
	}
	return cl
}

// IsNoteOn reports a sounding NoteOn; a NoteOn with velocity 0 is a release.
func (c Command) IsNoteOn() bool {
	return c.Kind == NoteOn && c.Velocity > 0
}

// IsNoteOff reports NoteOffs and NoteOns with velocity 0.
func (c Command) IsNoteOff() bool {
	return c.Kind == NoteOff || (c.Kind == NoteOn && c.Velocity <= 0)
}

// Validate reports commands that cannot be repaired by clamping.
func (c Command) Validate() error {
	if c.Kind == KindUnknown || c.Kind > Other {
		return errors.Wrapf(ErrMissingKind, "command %d", c.ID)
	}
	return nil
}

// Clamped returns c with all payload fields forced into their legal ranges.
func (c Command) Clamped() Command {
	c.Number = Clamp(c.Number, 0, MaxValue7)
	c.Velocity = Clamp(c.Velocity, 0, MaxValue7)
	c.Channel = Clamp(c.Channel, ChannelAll, 16)
	switch c.Kind {
	case PitchBend:
		c.Value = Clamp(c.Value, 0, MaxValue14)
	default:
		c.Value = Clamp(c.Value, 0, MaxValue7)
	}
	return c
}

// Clamp limits v to [min, max].
func Clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// SortByStart sorts cmds by StartAt, keeping the relative order of equal times.
func SortByStart(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return cmds[i].StartAt < cmds[j].StartAt
	})
}

// Copy returns a deep copy of cmds (ids are kept).
func Copy(cmds []Command) []Command {
	if cmds == nil {
		return nil
	}
	out := make([]Command, len(cmds))
	for i, c := range cmds {
		if c.Raw != nil {
			c.Raw = append([]byte(nil), c.Raw...)
		}
		out[i] = c
	}
	return out
}
