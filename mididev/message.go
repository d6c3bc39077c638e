// Package mididev connects gomidi ports to the pipeline.
package mididev

import (
	"fmt"
	"time"

	"gitlab.com/gomidi/midi"
	"gitlab.com/gomidi/midi/midimessage/channel"
	"gitlab.com/gomidi/midi/midimessage/realtime"

	"gitlab.com/gomidi/midichain/command"
)

const pitchbendCenter = 8192

// FromMessage converts a MIDI message received at transport time at into a command.
// Clock messages are not commands; ok is false for them.
func FromMessage(msg midi.Message, at float64) (c command.Command, ok bool) {
	switch v := msg.(type) {
	case channel.NoteOn:
		if v.Velocity() == 0 {
			c = command.Off(int(v.Key()), at)
		} else {
			c = command.On(int(v.Key()), int(v.Velocity()), at)
		}
	case channel.NoteOff:
		c = command.Off(int(v.Key()), at)
	case channel.NoteOffVelocity:
		c = command.Off(int(v.Key()), at)
	case channel.ControlChange:
		c = command.New(command.ControlChange, int(v.Controller()), 0)
		c.Value = int(v.Value())
	case channel.ProgramChange:
		c = command.New(command.ProgramChange, 0, 0)
		c.Value = int(v.Program())
	case channel.Pitchbend:
		c = command.New(command.PitchBend, 0, 0)
		c.Value = int(v.Value()) + pitchbendCenter
	case channel.Aftertouch:
		c = command.New(command.Aftertouch, 0, 0)
		c.Value = int(v.Pressure())
	case channel.PolyAftertouch:
		c = command.New(command.PolyAftertouch, int(v.Key()), 0)
		c.Value = int(v.Pressure())
	default:
		if msg == realtime.TimingClock || msg == realtime.Tick {
			return c, false
		}
		c = command.New(command.Other, 0, 0)
		c.Raw = append([]byte(nil), msg.Raw()...)
	}

	if chMsg, isCh := msg.(channel.Message); isCh {
		c.Channel = int(chMsg.Channel()) + 1
	}
	c.StartAt = at
	c.Time = at
	c.TimeCode = time.Now()
	c.Text = msg.String()
	return c, true
}

// rawMessage passes uninterpreted bytes to a writer.
type rawMessage []byte

func (r rawMessage) Raw() []byte    { return r }
func (r rawMessage) String() string { return fmt.Sprintf("raw % X", []byte(r)) }
