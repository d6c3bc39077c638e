package mididev

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi"
	"gitlab.com/gomidi/midi/cc"
	"gitlab.com/gomidi/midi/midimessage/channel"
	"gitlab.com/gomidi/midi/midimessage/realtime"
	"gitlab.com/gomidi/midi/reader"
	"gitlab.com/gomidi/midi/testdrv"
	"gitlab.com/gomidi/midi/writer"

	"gitlab.com/gomidi/midichain/command"
)

type cable struct {
	midi.Driver
	in  midi.In
	out midi.Out
}

func newCable(name string) *cable {
	var c cable
	c.Driver = testdrv.New("fake cable: " + name)
	ins, _ := c.Driver.Ins()
	outs, _ := c.Driver.Outs()
	c.in, c.out = ins[0], outs[0]
	c.in.Open()
	c.out.Open()
	return &c
}

// collector records everything arriving at the in port of a cable
type collector struct {
	mu   sync.Mutex
	msgs []midi.Message
}

func listen(c *cable) *collector {
	var col collector
	rd := reader.New(
		reader.NoLogger(),
		reader.Each(func(p *reader.Position, msg midi.Message) {
			col.mu.Lock()
			col.msgs = append(col.msgs, msg)
			col.mu.Unlock()
		}),
	)
	go rd.ListenTo(c.in)
	return &col
}

func (col *collector) wait(n int) []midi.Message {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		col.mu.Lock()
		got := len(col.msgs)
		col.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	return append([]midi.Message(nil), col.msgs...)
}

func TestFromMessage(t *testing.T) {
	var tests = []struct {
		msg      midi.Message
		kind     command.Kind
		number   int
		velocity int
		value    int
		channel  int
	}{
		{channel.Channel(0).NoteOn(60, 100), command.NoteOn, 60, 100, 0, 1},
		{channel.Channel(15).NoteOn(60, 0), command.NoteOff, 60, 0, 0, 16},
		{channel.Channel(2).NoteOff(61), command.NoteOff, 61, 0, 0, 3},
		{channel.Channel(0).ControlChange(7, 99), command.ControlChange, 7, 0, 99, 1},
		{channel.Channel(0).ProgramChange(5), command.ProgramChange, 0, 0, 5, 1},
		{channel.Channel(0).Pitchbend(-8192), command.PitchBend, 0, 0, 0, 1},
		{channel.Channel(0).Pitchbend(1000), command.PitchBend, 0, 0, 9192, 1},
		{channel.Channel(0).Aftertouch(30), command.Aftertouch, 0, 0, 30, 1},
		{channel.Channel(1).PolyAftertouch(64, 20), command.PolyAftertouch, 64, 0, 20, 2},
		{realtime.Start, command.Other, 0, 0, 0, 0},
	}

	for _, test := range tests {
		c, ok := FromMessage(test.msg, 1.5)
		if !ok {
			t.Errorf("%s: not converted", test.msg)
			continue
		}
		if c.Kind != test.kind || c.Number != test.number || c.Velocity != test.velocity || c.Value != test.value || c.Channel != test.channel {
			t.Errorf("%s: got %s %d %d %d ch %d", test.msg, c.Kind, c.Number, c.Velocity, c.Value, c.Channel)
		}
		if c.StartAt != 1.5 || c.Time != 1.5 || c.Text != test.msg.String() {
			t.Errorf("%s: got time %v, text %q", test.msg, c.StartAt, c.Text)
		}
	}

	if _, ok := FromMessage(realtime.TimingClock, 0); ok {
		t.Errorf("timing clock converted to a command")
	}
	if c, _ := FromMessage(realtime.Start, 0); len(c.Raw) != 1 || c.Raw[0] != 0xFA {
		t.Errorf("got raw % X", c.Raw)
	}
}

func TestInput(t *testing.T) {
	cbl := newCable("input")
	defer cbl.Close()

	in := NewInput(cbl.in, func() float64 { return 2 }, 10, nil)
	if err := in.Listen(); err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	wr := writer.New(cbl.out)
	wr.SetChannel(3)
	writer.NoteOn(wr, 60, 100)
	wr.Write(realtime.TimingClock)
	writer.ControlChange(wr, 1, 64)

	var got []command.Command
	for len(got) < 2 {
		select {
		case c := <-in.Commands():
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatalf("got %d commands, expected 2", len(got))
		}
	}

	if got[0].Kind != command.NoteOn || got[0].Number != 60 || got[0].Channel != 4 || got[0].StartAt != 2 {
		t.Errorf("got %+v", got[0])
	}
	if got[0].From != cbl.in.String() {
		t.Errorf("got source %q, expected %q", got[0].From, cbl.in.String())
	}
	if got[1].Kind != command.ControlChange || got[1].Number != 1 || got[1].Value != 64 {
		t.Errorf("got %+v", got[1])
	}
}

func TestInputClosedPort(t *testing.T) {
	cbl := newCable("closed")
	defer cbl.Close()
	cbl.in.Close()

	if err := NewInput(cbl.in, nil, 0, nil).Listen(); !errors.Is(err, ErrPortClosed) {
		t.Errorf("got %v, expected ErrPortClosed", err)
	}
}

func TestOutput(t *testing.T) {
	cbl := newCable("output")
	defer cbl.Close()
	col := listen(cbl)

	o, err := NewOutput(cbl.out, 2)
	if err != nil {
		t.Fatal(err)
	}

	bend := command.New(command.PitchBend, 0, 0)
	bend.Value = 9192
	prog := command.New(command.ProgramChange, 0, 0)
	prog.Value = 4
	prog.Channel = 10

	o.NoteOn(60, 100)
	o.NoteOff(60)
	o.Send(bend)
	o.Send(prog)
	o.NoteOn(62, 90)
	if err := o.AllNotesOff(); err != nil {
		t.Fatal(err)
	}

	msgs := col.wait(7)
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, expected 7: %v", len(msgs), msgs)
	}

	check := func(i int, ok bool) {
		if !ok {
			t.Errorf("message %d: unexpected %s", i, msgs[i])
		}
	}

	on, isOn := msgs[0].(channel.NoteOn)
	check(0, isOn && on.Key() == 60 && on.Velocity() == 100 && on.Channel() == 2)
	off, isOff := msgs[1].(channel.NoteOff)
	check(1, isOff && off.Key() == 60)
	pb, isPb := msgs[2].(channel.Pitchbend)
	check(2, isPb && pb.Value() == 1000 && pb.Channel() == 2)
	pc, isPc := msgs[3].(channel.ProgramChange)
	check(3, isPc && pc.Program() == 4 && pc.Channel() == 9)
	on2, isOn2 := msgs[4].(channel.NoteOn)
	check(4, isOn2 && on2.Key() == 62 && on2.Channel() == 2)
	off2, isOff2 := msgs[5].(channel.NoteOff)
	check(5, isOff2 && off2.Key() == 62)
	ctl, isCtl := msgs[6].(channel.ControlChange)
	check(6, isCtl && ctl.Controller() == cc.AllNotesOff && ctl.Channel() == 2)
}

func TestOutputNoteChannels(t *testing.T) {
	cbl := newCable("note channels")
	defer cbl.Close()
	col := listen(cbl)

	o, err := NewOutput(cbl.out, 0)
	if err != nil {
		t.Fatal(err)
	}

	on := command.On(60, 100, 0)
	on.Channel = 4
	o.Send(on)
	o.NoteOn(62, 90)
	if err := o.AllNotesOff(); err != nil {
		t.Fatal(err)
	}

	msgs := col.wait(6)
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, expected 6: %v", len(msgs), msgs)
	}

	first, isOn := msgs[0].(channel.NoteOn)
	if !isOn || first.Key() != 60 || first.Channel() != 3 {
		t.Errorf("got %s, expected note 60 on channel 3", msgs[0])
	}
	second, isOn := msgs[1].(channel.NoteOn)
	if !isOn || second.Key() != 62 || second.Channel() != 0 {
		t.Errorf("got %s, expected note 62 on channel 0", msgs[1])
	}

	// releases and all notes off, in any channel order
	offs := map[string]bool{}
	for _, msg := range msgs[2:] {
		switch v := msg.(type) {
		case channel.NoteOff:
			offs[fmt.Sprintf("off %d/%d", v.Channel(), v.Key())] = true
		case channel.ControlChange:
			if v.Controller() == cc.AllNotesOff {
				offs[fmt.Sprintf("all %d", v.Channel())] = true
			}
		}
	}
	for _, exp := range []string{"off 3/60", "off 0/62", "all 3", "all 0"} {
		if !offs[exp] {
			t.Errorf("missing %s in %v", exp, msgs[2:])
		}
	}
}

func TestOutputRejects(t *testing.T) {
	cbl := newCable("rejects")
	defer cbl.Close()

	o, err := NewOutput(cbl.out, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Send(command.New(command.KindUnknown, 60, 100)); err == nil {
		t.Errorf("command without kind was sent")
	}

	cbl.out.Close()
	if _, err := NewOutput(cbl.out, 0); !errors.Is(err, ErrPortClosed) {
		t.Errorf("got %v, expected ErrPortClosed", err)
	}
}
