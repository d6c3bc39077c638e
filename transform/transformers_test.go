package transform

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/command"
)

func TestTransposer(t *testing.T) {
	tr := NewTransposer(5)
	on := tr.Transform([]command.Command{command.On(60, 100, 0), command.On(125, 100, 0)}, clk120)
	if on[0].Number != 65 || on[1].Number != 127 {
		t.Errorf("got %d, %d, expected 65, 127", on[0].Number, on[1].Number)
	}

	// reconfiguring while notes sound must not leave them hanging
	if err := tr.Configure(Record{Fields: map[string]string{"semitones": "-2"}}); err != nil {
		t.Fatal(err)
	}
	off := tr.Transform([]command.Command{command.Off(60, 1), command.Off(125, 1), command.Off(70, 1)}, clk120)
	expected := "noteOff 65 @1.000\nnoteOff 127 @1.000\nnoteOff 68 @1.000\n"
	if got := render(off); got != expected {
		t.Errorf("got\n%s\nexpected\n%s", got, expected)
	}
}

func TestTransposerKeepsInput(t *testing.T) {
	in := []command.Command{command.On(60, 100, 0)}
	NewTransposer(12).Transform(in, clk120)
	if in[0].Number != 60 {
		t.Errorf("input was modified")
	}
}

func TestHarmoniser(t *testing.T) {
	var tests = []struct {
		fields   map[string]string
		input    []command.Command
		descr    string
		expected string
	}{
		{
			nil,
			[]command.Command{command.On(60, 100, 0), command.Off(60, 1)},
			"major triad",
			"noteOn 60 @0.000\nnoteOn 64 @0.000\nnoteOn 67 @0.000\nnoteOff 60 @1.000\nnoteOff 64 @1.000\nnoteOff 67 @1.000\n",
		},
		{
			map[string]string{"chord": "octave"},
			[]command.Command{command.On(120, 100, 0), command.Off(120, 1)},
			"added notes above 127 are left out",
			"noteOn 120 @0.000\nnoteOff 120 @1.000\n",
		},
		{
			map[string]string{"chord": "custom", "intervals": "-12, 3"},
			[]command.Command{command.On(60, 100, 0), command.Off(60, 0.5)},
			"custom intervals",
			"noteOn 60 @0.000\nnoteOn 48 @0.000\nnoteOn 63 @0.000\nnoteOff 60 @0.500\nnoteOff 48 @0.500\nnoteOff 63 @0.500\n",
		},
		{
			map[string]string{"chord": "fifth"},
			[]command.Command{command.Off(60, 0)},
			"release without press",
			"noteOff 60 @0.000\n",
		},
		{
			nil,
			[]command.Command{command.On(60, 100, 0), command.On(64, 100, 0.5), command.Off(60, 1), command.Off(64, 2)},
			"played note also added for another one",
			"noteOn 60 @0.000\nnoteOn 64 @0.000\nnoteOn 67 @0.000\n" +
				"noteOn 64 @0.500\nnoteOn 68 @0.500\nnoteOn 71 @0.500\n" +
				"noteOff 60 @1.000\nnoteOff 67 @1.000\n" +
				"noteOff 64 @2.000\nnoteOff 68 @2.000\nnoteOff 71 @2.000\n",
		},
		{
			nil,
			[]command.Command{command.On(64, 100, 0), command.On(60, 100, 0.5), command.Off(64, 1), command.Off(60, 2)},
			"added note also played before",
			"noteOn 64 @0.000\nnoteOn 68 @0.000\nnoteOn 71 @0.000\n" +
				"noteOn 60 @0.500\nnoteOn 64 @0.500\nnoteOn 67 @0.500\n" +
				"noteOff 68 @1.000\nnoteOff 71 @1.000\n" +
				"noteOff 60 @2.000\nnoteOff 64 @2.000\nnoteOff 67 @2.000\n",
		},
	}

	for i, test := range tests {
		h := NewHarmoniser()
		if test.fields != nil {
			if err := h.Configure(Record{Type: TypeHarmoniser, Fields: test.fields}); err != nil {
				t.Fatalf("[%v] %v", i, err)
			}
		}
		if got := render(h.Transform(test.input, clk120)); got != test.expected {
			t.Errorf("[%v] %q\ngot:\n%s\nexpected:\n%s", i, test.descr, got, test.expected)
		}
	}
}

func TestHarmoniserVelocity(t *testing.T) {
	h := NewHarmoniser()
	if err := h.Configure(Record{Fields: map[string]string{"velocity": "50"}}); err != nil {
		t.Fatal(err)
	}
	out := h.Transform([]command.Command{command.On(60, 100, 0)}, clk120)
	if out[0].Velocity != 100 || out[1].Velocity != 50 {
		t.Errorf("got velocities %d, %d, expected 100, 50", out[0].Velocity, out[1].Velocity)
	}

	err := h.Configure(Record{Fields: map[string]string{"chord": "custom", "intervals": "3,x"}})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("got %v, expected ErrInvalidValue", err)
	}
	if h.Config().(HarmoniserConfig).Chord != "major" {
		t.Errorf("rejected configuration was applied")
	}
}

func TestHumaniser(t *testing.T) {
	h := NewHumaniser()
	h.SetRandSource(rand.NewSource(1))
	if err := h.Configure(Record{Fields: map[string]string{"timing": "20", "velocity": "10"}}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		at := float64(i)
		out := h.Transform([]command.Command{command.On(60, 100, at), command.Off(60, at+0.5)}, clk120)
		delay := out[0].StartAt - at
		if delay < 0 || delay > 0.020 {
			t.Fatalf("delay %v out of range", delay)
		}
		if offDelay := out[1].StartAt - (at + 0.5); math.Abs(offDelay-delay) > 1e-9 {
			t.Fatalf("NoteOff delayed by %v, NoteOn by %v", offDelay, delay)
		}
		if v := out[0].Velocity; v < 90 || v > 110 {
			t.Fatalf("velocity %d out of range", v)
		}
	}
}

func TestShortener(t *testing.T) {
	var tests = []struct {
		style    Style
		expected float64
	}{
		{StyleStaccato, 0.025},
		{StyleNonLegato, 0.125 * 2 / 3},
		{StyleLegato, 0.115},
	}

	for _, test := range tests {
		s := NewShortener()
		if err := s.Configure(Record{Fields: map[string]string{"style": string(test.style)}}); err != nil {
			t.Fatal(err)
		}
		if got := s.Length(clk120); math.Abs(got-test.expected) > 1e-9 {
			t.Errorf("%s: got length %v, expected %v", test.style, got, test.expected)
		}
	}
}

func TestShortenerEmitsOneRelease(t *testing.T) {
	s := NewShortener()
	s.Configure(Record{Fields: map[string]string{"style": "staccato"}})

	out := s.Transform([]command.Command{command.On(60, 100, 1)}, clk120)
	out = append(out, s.Transform([]command.Command{command.Off(60, 2), command.Off(61, 2)}, clk120)...)

	expected := "noteOn 60 @1.000\nnoteOff 60 @1.025\nnoteOff 61 @2.000\n"
	if got := render(out); got != expected {
		t.Errorf("got\n%s\nexpected\n%s", got, expected)
	}
	if out[0].EndAt != out[1].StartAt {
		t.Errorf("EndAt %v does not match release at %v", out[0].EndAt, out[1].StartAt)
	}
}

func TestChannelFilter(t *testing.T) {
	withChannel := func(c command.Command, ch int) command.Command {
		c.Channel = ch
		return c
	}
	in := []command.Command{
		withChannel(command.On(60, 100, 0), 1),
		withChannel(command.On(61, 100, 0), 2),
		withChannel(command.On(62, 100, 0), command.ChannelAll),
	}

	var tests = []struct {
		in, out  int
		expected []int
	}{
		{0, 0, []int{1, 2, 0}},
		{2, 0, []int{2, 0}},
		{1, 10, []int{10, 10}},
		{0, 16, []int{16, 16, 16}},
	}

	for i, test := range tests {
		got := NewChannelFilter(test.in, test.out).Transform(in, clk120)
		if len(got) != len(test.expected) {
			t.Errorf("[%v] got %d commands, expected %d", i, len(got), len(test.expected))
			continue
		}
		for j, c := range got {
			if c.Channel != test.expected[j] {
				t.Errorf("[%v] command %d on channel %d, expected %d", i, j, c.Channel, test.expected[j])
			}
		}
	}
}

func TestGridTicks(t *testing.T) {
	var tests = []struct {
		grid     string
		expected int
	}{
		{"bar", 96},
		{"1/2", 48},
		{"1/4", 24},
		{"1/8", 12},
		{"1/16", 6},
		{"1/32", 3},
		{"1/4t", 16},
		{"1/8t", 8},
		{"1/16t", 4},
	}

	for _, test := range tests {
		if got, ok := GridTicks(test.grid); !ok || got != test.expected {
			t.Errorf("GridTicks(%q) = %d, expected %d", test.grid, got, test.expected)
		}
	}
	if _, ok := GridTicks("1/5"); ok {
		t.Errorf("unknown grid accepted")
	}
}

func TestRegistry(t *testing.T) {
	for _, typ := range Types() {
		tr, err := New(typ)
		if err != nil {
			t.Fatal(err)
		}
		if tr.Type() != typ || tr.Config().Type() != typ {
			t.Errorf("%s: transformer reports %s", typ, tr.Type())
		}
		// the default configuration must be accepted as is
		if err := tr.Configure(tr.Config().Record()); err != nil {
			t.Errorf("%s: %v", typ, err)
		}
		for _, f := range tr.Fields() {
			if _, ok := tr.Config().Record().Fields[f.Name]; !ok {
				t.Errorf("%s: field %s missing in record", typ, f.Name)
			}
		}
	}

	if _, err := New("reverb"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("got %v, expected ErrUnknownType", err)
	}
	if err := NewQuantiser().Configure(Record{Type: TypeTransposer}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("got %v, expected ErrTypeMismatch", err)
	}
}
