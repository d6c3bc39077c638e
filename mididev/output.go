package mididev

import (
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi"
	"gitlab.com/gomidi/midi/cc"
	"gitlab.com/gomidi/midi/writer"

	"gitlab.com/gomidi/midichain/command"
)

// Output writes commands to a MIDI out port. Commands go to their own
// channel, commands without a channel to the default channel.
type Output struct {
	mu      sync.Mutex
	out     midi.Out
	wr      *writer.Writer
	channel uint8
	// sounding notes per channel
	sounding map[uint8]map[uint8]bool
}

// NewOutput returns an output writing to the open port out with the default channel ch (0-15).
func NewOutput(out midi.Out, ch uint8) (*Output, error) {
	if !out.IsOpen() {
		return nil, errors.Wrapf(ErrPortClosed, "midi out port no %v (%s)", out.Number(), out.String())
	}
	if ch > 15 {
		ch = 15
	}
	o := &Output{
		out:      out,
		wr:       writer.New(out),
		channel:  ch,
		sounding: map[uint8]map[uint8]bool{},
	}
	o.wr.SetChannel(ch)
	return o, nil
}

func (o *Output) String() string {
	return o.out.String()
}

// NoteOn starts a note on the default channel.
func (o *Output) NoteOn(note, velocity uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.noteOn(o.channel, note, velocity)
}

// NoteOff stops a note on the default channel.
func (o *Output) NoteOff(note uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.noteOff(o.channel, note)
}

// noteOn and noteOff expect the writer to be on ch; callers hold mu.
func (o *Output) noteOn(ch, note, velocity uint8) error {
	if o.sounding[ch] == nil {
		o.sounding[ch] = map[uint8]bool{}
	}
	o.sounding[ch][note] = true
	return writer.NoteOn(o.wr, note, velocity)
}

func (o *Output) noteOff(ch, note uint8) error {
	delete(o.sounding[ch], note)
	return writer.NoteOff(o.wr, note)
}

// AllNotesOff releases every note started through o and sends the all notes
// off controller on the default channel and every channel that had notes.
func (o *Output) AllNotesOff() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.wr.SetChannel(o.channel)

	channels := map[uint8]bool{o.channel: true}
	for ch, notes := range o.sounding {
		o.wr.SetChannel(ch)
		for note := range notes {
			writer.NoteOff(o.wr, note)
		}
		channels[ch] = true
	}
	o.sounding = map[uint8]map[uint8]bool{}

	var first error
	for ch := range channels {
		o.wr.SetChannel(ch)
		if err := writer.ControlChange(o.wr, cc.AllNotesOff, 0); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Send writes a command on its channel.
func (o *Output) Send(c command.Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := o.channel
	if c.Channel != command.ChannelAll {
		ch = uint8(c.Channel - 1)
		o.wr.SetChannel(ch)
		defer o.wr.SetChannel(o.channel)
	}

	switch c.Kind {
	case command.NoteOn:
		if c.Velocity == 0 {
			return o.noteOff(ch, uint8(c.Number))
		}
		return o.noteOn(ch, uint8(c.Number), uint8(c.Velocity))
	case command.NoteOff:
		return o.noteOff(ch, uint8(c.Number))
	case command.ControlChange:
		return writer.ControlChange(o.wr, uint8(c.Number), uint8(c.Value))
	case command.ProgramChange:
		return writer.ProgramChange(o.wr, uint8(c.Value))
	case command.PitchBend:
		return writer.Pitchbend(o.wr, int16(c.Value-pitchbendCenter))
	case command.Aftertouch:
		return writer.Aftertouch(o.wr, uint8(c.Value))
	case command.PolyAftertouch:
		return writer.PolyAftertouch(o.wr, uint8(c.Number), uint8(c.Value))
	case command.Other:
		if len(c.Raw) == 0 {
			return nil
		}
		return o.wr.Write(rawMessage(c.Raw))
	default:
		return errors.Errorf("can't send %s", c.Kind)
	}
}
