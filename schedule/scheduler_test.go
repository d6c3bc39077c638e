package schedule

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/transform"
)

type recorder struct {
	bf     bytes.Buffer
	fail   map[uint8]bool
	panics map[uint8]bool
	silent int
}

func (r *recorder) NoteOn(note, velocity uint8) error {
	if r.panics[note] {
		panic("output gone")
	}
	if r.fail[note] {
		return errors.New("port closed")
	}
	fmt.Fprintf(&r.bf, "on %d %d\n", note, velocity)
	return nil
}

func (r *recorder) NoteOff(note uint8) error {
	fmt.Fprintf(&r.bf, "off %d\n", note)
	return nil
}

func (r *recorder) AllNotesOff() error {
	r.silent++
	return nil
}

func (r *recorder) Send(c command.Command) error {
	fmt.Fprintf(&r.bf, "%s %d %d\n", c.Kind, c.Number, c.Value)
	return nil
}

func tickAt(ticks int64) clock.Tick {
	// 120 bpm: 48 ticks per second
	return clock.NewTick(ticks, float64(ticks)/48, float64(ticks)/48, 4)
}

func ons(n int, startAt float64) []command.Command {
	var cmds []command.Command
	for i := 0; i < n; i++ {
		cmds = append(cmds, command.On(i, 100, startAt))
	}
	return cmds
}

func TestDrainBound(t *testing.T) {
	queue := ons(30, 0)
	queue = append(queue, command.On(99, 100, 5))

	var got []int
	rest, n := Drain(queue, 1, DefaultLimit, func(c command.Command) { got = append(got, c.Number) })

	if n != DefaultLimit || len(got) != DefaultLimit {
		t.Fatalf("executed %d, expected %d", n, DefaultLimit)
	}
	for i, num := range got {
		if num != i {
			t.Errorf("executed %d at position %d", num, i)
		}
	}
	expected := []int{24, 25, 26, 27, 28, 29, 99}
	if len(rest) != len(expected) {
		t.Fatalf("got %d remaining, expected %d", len(rest), len(expected))
	}
	for i, c := range rest {
		if c.Number != expected[i] {
			t.Errorf("remaining[%d] = %d, expected %d", i, c.Number, expected[i])
		}
	}
	if &rest[0] == &queue[24] {
		t.Errorf("remaining commands share memory with the queue")
	}
}

func TestDrainKeepsNotDue(t *testing.T) {
	queue := []command.Command{command.On(1, 100, 2), command.On(2, 100, 0), command.On(3, 100, 1)}
	var got []int
	rest, _ := Drain(queue, 1, 0, func(c command.Command) { got = append(got, c.Number) })
	if fmt.Sprint(got) != "[2 3]" || len(rest) != 1 || rest[0].Number != 1 {
		t.Errorf("executed %v, left %d", got, len(rest))
	}
}

func TestInsertIsStable(t *testing.T) {
	var q []command.Command
	q = insert(q, command.On(1, 1, 0.5), command.On(2, 1, 0.1), command.On(3, 1, 0.5), command.On(4, 1, 0))
	q = insert(q, command.On(5, 1, 0.1))

	var got []int
	for _, c := range q {
		got = append(got, c.Number)
	}
	if s := fmt.Sprint(got); s != "[4 2 5 1 3]" {
		t.Errorf("got %s, expected [4 2 5 1 3]", s)
	}
}

func TestSchedulerUnlockedIsIdempotent(t *testing.T) {
	run := func() string {
		var r recorder
		s := New(nil, []Output{&r})
		s.Enqueue(command.On(60, 100, 0), command.Off(60, 0.01), command.On(62, 90, 0.02))
		s.HandleTick(tickAt(1))
		s.HandleTick(tickAt(2))
		if s.State() != Unlocked {
			t.Errorf("got state %s, expected unlocked", s.State())
		}
		return r.bf.String()
	}

	first, second := run(), run()
	expected := "on 60 100\noff 60\non 62 90\n"
	if first != expected || second != expected {
		t.Errorf("got\n%s\nand\n%s\nexpected\n%s", first, second, expected)
	}
}

// notesOnly is an output without Send
type notesOnly struct {
	r recorder
}

func (n *notesOnly) NoteOn(note, velocity uint8) error { return n.r.NoteOn(note, velocity) }
func (n *notesOnly) NoteOff(note uint8) error          { return n.r.NoteOff(note) }
func (n *notesOnly) AllNotesOff() error                { return n.r.AllNotesOff() }

func TestSchedulerNoteChannels(t *testing.T) {
	routed := command.On(61, 90, 0)
	routed.Channel = 5
	routedOff := command.Off(61, 0)
	routedOff.Channel = 5

	var r recorder
	var plain notesOnly
	s := New(nil, []Output{&r, &plain})
	s.Enqueue(command.On(60, 100, 0), routed, routedOff)
	s.HandleTick(tickAt(1))

	if got, expected := r.bf.String(), "on 60 100\nnoteOn 61 0\nnoteOff 61 0\n"; got != expected {
		t.Errorf("got\n%s\nexpected\n%s", got, expected)
	}
	if got, expected := plain.r.bf.String(), "on 60 100\non 61 90\noff 61\n"; got != expected {
		t.Errorf("output without Send got\n%s\nexpected\n%s", got, expected)
	}
}

func TestSchedulerBackpressure(t *testing.T) {
	var r recorder
	s := New(nil, []Output{&r})
	s.Enqueue(ons(50, 0)...)

	for i, expected := range []int{24, 24, 2, 0} {
		if got := s.HandleTick(tickAt(int64(i))); got != expected {
			t.Errorf("tick %d: executed %d, expected %d", i, got, expected)
		}
	}
	lines := strings.Split(strings.TrimSpace(r.bf.String()), "\n")
	for i, l := range lines {
		if l != fmt.Sprintf("on %d 100", i) {
			t.Errorf("line %d: %q", i, l)
		}
	}
}

func TestSchedulerLocked(t *testing.T) {
	var r recorder
	chain := transform.DefaultChain()
	chain.SetField(1, "enabled", "true")
	chain.SetField(1, "single", "true")

	s := New(chain, []Output{&r})

	// both commands are due at tick 4 (1/12 s), the grid is every 6 ticks
	s.Enqueue(command.On(60, 100, 0.08), command.On(64, 100, 0.08))

	var tests = []struct {
		tick     int64
		expected int
	}{
		{4, 0},
		{5, 0},
		{6, 2},
	}
	for _, test := range tests {
		if got := s.HandleTick(tickAt(test.tick)); got != test.expected {
			t.Errorf("tick %d: executed %d, expected %d", test.tick, got, test.expected)
		}
	}
	if s.State() != Locked {
		t.Errorf("got state %s, expected locked", s.State())
	}

	// the slot is used, the next batch waits for the next boundary
	s.Enqueue(command.On(67, 100, 0.13))
	for tick := int64(7); tick < 12; tick++ {
		if got := s.HandleTick(tickAt(tick)); got != 0 {
			t.Errorf("tick %d: executed %d in a used slot", tick, got)
		}
	}
	if got := s.HandleTick(tickAt(12)); got != 1 {
		t.Errorf("tick 12: executed %d, expected 1", got)
	}
}

func TestSchedulerLockedWithoutSingle(t *testing.T) {
	var r recorder
	chain := transform.DefaultChain()
	chain.SetField(1, "enabled", "true")
	chain.SetField(1, "grid", "1/8")
	s := New(chain, []Output{&r})

	s.Enqueue(command.On(60, 100, 0))
	if got := s.HandleTick(tickAt(11)); got != 0 {
		t.Errorf("non aligned tick executed %d", got)
	}
	if got := s.HandleTick(tickAt(12)); got != 1 {
		t.Errorf("aligned tick executed %d", got)
	}
	s.Enqueue(command.On(62, 100, 0))
	if got := s.HandleTick(tickAt(24)); got != 1 {
		t.Errorf("next aligned tick executed %d", got)
	}

	chain.SetField(1, "enabled", "false")
	s.Refresh()
	s.Enqueue(command.On(64, 100, 0))
	if got := s.HandleTick(tickAt(25)); got != 1 || s.State() != Unlocked {
		t.Errorf("after disabling the grid: executed %d in state %s", got, s.State())
	}
}

func TestSchedulerContainsFaults(t *testing.T) {
	broken := &recorder{fail: map[uint8]bool{61: true}, panics: map[uint8]bool{62: true}}
	good := &recorder{}
	var logged bytes.Buffer
	s := New(nil, []Output{broken, nil, good}, Logger(debug.New(&logged)))

	cc := command.New(command.ControlChange, 7, 0)
	cc.Value = 300
	s.Enqueue(
		command.On(60, 100, 0),
		command.On(61, 100, 0),
		command.On(62, 100, 0),
		command.Command{ID: command.NextID(), Number: 63},
		cc,
	)

	if got := s.HandleTick(tickAt(0)); got != 5 {
		t.Errorf("executed %d, expected 5", got)
	}
	expected := "on 60 100\non 61 100\non 62 100\ncontrolChange 7 127\n"
	if got := good.bf.String(); got != expected {
		t.Errorf("healthy output got\n%s\nexpected\n%s", got, expected)
	}
	// 61 and 62 fail on the broken output, the nil output fails for all 4 valid commands, 63 has no kind
	if got := s.Failures(); got != 7 {
		t.Errorf("got %d failures, expected 7", got)
	}
	if !strings.Contains(logged.String(), "output gone") {
		t.Errorf("panic not logged:\n%s", logged.String())
	}
}

func TestSchedulerAllNotesOffAndClear(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	s := New(nil, []Output{a, b})
	s.Enqueue(ons(3, 10)...)
	s.Clear()
	if s.Pending() != 0 {
		t.Errorf("got %d pending after clear", s.Pending())
	}
	if err := s.AllNotesOff(); err != nil {
		t.Fatal(err)
	}
	if a.silent != 1 || b.silent != 1 {
		t.Errorf("got %d, %d calls to AllNotesOff", a.silent, b.silent)
	}
}

func TestSchedulerRun(t *testing.T) {
	var r recorder
	chain := transform.DefaultChain()
	s := New(chain, []Output{&r})
	ticks := make(chan clock.Tick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ticks) }()

	s.Enqueue(command.On(60, 100, 0))
	ticks <- tickAt(1)

	// enabling the quantiser locks the next ticks
	chain.SetField(1, "enabled", "true")
	deadline := time.Now().Add(time.Second)
	for {
		ticks <- tickAt(7)
		if s.State() == Locked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduler did not pick up the grid")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, expected context.Canceled", err)
	}
	if got := r.bf.String(); got != "on 60 100\n" {
		t.Errorf("got %q", got)
	}
}
