package transform

import (
	"math/rand"
	"sort"
	"time"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

/*
the arpeggiator expands the held notes into one timed pass over them:

1. the note pool are the held notes, sorted upwards, repeated over 1-4 octaves
2. direction: up, down, up-down, down-up, random or chord (everything at once)
3. note-time-distance: rate (1/4, 1/8, 1/16, 1/32, triplets, dotted) at the current tempo

the first held note owns the whole pass: releasing it releases every note of the pass.
*/

// Pattern is the order the arpeggiated notes are played in.
type Pattern string

const (
	PatternUp     Pattern = "up"
	PatternDown   Pattern = "down"
	PatternUpDown Pattern = "up-down"
	PatternDownUp Pattern = "down-up"
	PatternRandom Pattern = "random"
	PatternChord  Pattern = "chord"
)

const fromArpeggiator = "arpeggiator"

// ArpeggiatorConfig configures an Arpeggiator.
type ArpeggiatorConfig struct {
	Pattern Pattern
	Rate    string
	Octaves int
}

func (ArpeggiatorConfig) Type() Type { return TypeArpeggiator }

func (c ArpeggiatorConfig) Record() Record {
	return Record{Type: TypeArpeggiator, Fields: map[string]string{
		"pattern": string(c.Pattern),
		"rate":    c.Rate,
		"octaves": itoa(c.Octaves),
	}}
}

var arpeggiatorFields = []Field{
	{
		Name:        "pattern",
		Kind:        FieldEnum,
		Values:      []string{string(PatternUp), string(PatternDown), string(PatternUpDown), string(PatternDownUp), string(PatternRandom), string(PatternChord)},
		Default:     string(PatternUp),
		Description: "order of the arpeggiated notes",
	},
	{Name: "rate", Kind: FieldEnum, Values: rateNames, Default: "1/16", Description: "time between two notes"},
	{Name: "octaves", Kind: FieldInt, Min: 1, Max: 4, Default: "1", Description: "octaves the held notes are repeated over"},
}

type spawned struct {
	note    int
	startAt float64
}

// Arpeggiator turns chords into a timed sequence of single notes.
type Arpeggiator struct {
	cfg ArpeggiatorConfig

	// held notes in the order they were pressed, with the NoteOn that started them
	held     []int
	heldCmds map[int]command.Command

	// spawns maps a held note to the notes started on its behalf
	spawns map[int][]spawned

	rnd *rand.Rand
}

// ArpOption configures a new Arpeggiator.
type ArpOption func(a *Arpeggiator)

// ArpPattern sets the pattern.
func ArpPattern(p Pattern) ArpOption {
	return func(a *Arpeggiator) {
		a.cfg.Pattern = p
	}
}

// ArpRate sets the time between two notes, e.g. "1/16".
func ArpRate(rate string) ArpOption {
	return func(a *Arpeggiator) {
		if _, ok := rates[rate]; ok {
			a.cfg.Rate = rate
		}
	}
}

// ArpOctaves sets over how many octaves (1-4) the held notes are repeated.
func ArpOctaves(n int) ArpOption {
	return func(a *Arpeggiator) {
		a.cfg.Octaves = command.Clamp(n, 1, 4)
	}
}

// ArpRandSource sets the source for the random pattern.
func ArpRandSource(src rand.Source) ArpOption {
	return func(a *Arpeggiator) {
		a.rnd = rand.New(src)
	}
}

// NewArpeggiator returns an arpeggiator playing 1/16 upwards over one octave by default.
func NewArpeggiator(opts ...ArpOption) *Arpeggiator {
	a := &Arpeggiator{
		cfg: ArpeggiatorConfig{Pattern: PatternUp, Rate: "1/16", Octaves: 1},
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Reset()
	return a
}

func (a *Arpeggiator) Type() Type      { return TypeArpeggiator }
func (a *Arpeggiator) Fields() []Field { return arpeggiatorFields }
func (a *Arpeggiator) Config() Config  { return a.cfg }

func (a *Arpeggiator) Configure(rec Record) error {
	if err := checkType(TypeArpeggiator, rec); err != nil {
		return err
	}
	v, err := resolve(arpeggiatorFields, a.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	a.cfg = ArpeggiatorConfig{
		Pattern: Pattern(v.str("pattern")),
		Rate:    v.str("rate"),
		Octaves: v.int("octaves"),
	}
	return nil
}

// Reset forgets all held notes without releasing them.
func (a *Arpeggiator) Reset() {
	a.held = nil
	a.heldCmds = map[int]command.Command{}
	a.spawns = map[int][]spawned{}
}

// Held returns the currently held notes in the order they were pressed.
func (a *Arpeggiator) Held() []int {
	return append([]int(nil), a.held...)
}

func (a *Arpeggiator) Transform(cmds []command.Command, clk clock.Snapshot) []command.Command {
	var ons []command.Command
	for _, c := range cmds {
		if c.IsNoteOn() {
			ons = append(ons, c)
		}
	}
	chord := len(ons) >= 2 || (len(ons) == 1 && len(a.held) >= 2)

	out := make([]command.Command, 0, len(cmds))
	arpeggiated := false

	for _, c := range cmds {
		switch {
		case c.IsNoteOn():
			if !chord {
				a.hold(c)
				a.spawns[c.Number] = append(a.spawns[c.Number], spawned{note: c.Number, startAt: c.StartAt})
				out = append(out, c)
				continue
			}
			if arpeggiated {
				continue
			}
			arpeggiated = true
			out = append(out, a.arpeggiate(ons, clk)...)
		case c.IsNoteOff():
			out = append(out, a.release(c)...)
		default:
			out = append(out, c)
		}
	}
	return out
}

func (a *Arpeggiator) hold(c command.Command) {
	if _, has := a.heldCmds[c.Number]; !has {
		a.held = append(a.held, c.Number)
	}
	a.heldCmds[c.Number] = c
}

func (a *Arpeggiator) unhold(note int) {
	delete(a.heldCmds, note)
	for i, n := range a.held {
		if n == note {
			a.held = append(a.held[:i], a.held[i+1:]...)
			return
		}
	}
}

type poolNote struct {
	note, base int
}

// arpeggiate adds ons to the held notes and plays one pass over all of them.
func (a *Arpeggiator) arpeggiate(ons []command.Command, clk clock.Snapshot) []command.Command {
	baseTime := ons[0].StartAt
	for _, on := range ons {
		a.hold(on)
		if on.StartAt > baseTime {
			baseTime = on.StartAt
		}
	}

	base := append([]int(nil), a.held...)
	sort.Ints(base)

	var pool []poolNote
	for oct := 0; oct < a.cfg.Octaves; oct++ {
		for _, n := range base {
			if n+12*oct > command.MaxValue7 {
				continue
			}
			pool = append(pool, poolNote{note: n + 12*oct, base: n})
		}
	}
	pool = a.order(pool)

	step := clk.Beat() * rates[a.cfg.Rate]
	out := make([]command.Command, 0, len(pool))
	var spawns []spawned

	for i, pn := range pool {
		at := baseTime
		if a.cfg.Pattern != PatternChord {
			at += float64(i) * step
		}
		c := a.heldCmds[pn.base].Clone()
		c.Kind = command.NoteOn
		c.Number = pn.note
		c.StartAt = at
		c.From = fromArpeggiator
		out = append(out, c)
		spawns = append(spawns, spawned{note: pn.note, startAt: at})
	}

	// the first held note takes over whatever the other chord members owned,
	// so that exactly one release ends everything
	primary := a.held[0]
	owned := a.spawns[primary]
	for _, n := range a.held[1:] {
		owned = append(owned, a.spawns[n]...)
		a.spawns[n] = nil
	}
	a.spawns[primary] = append(owned, spawns...)
	return out
}

func (a *Arpeggiator) order(pool []poolNote) []poolNote {
	if len(pool) < 2 {
		return pool
	}
	reversed := func(p []poolNote) []poolNote {
		r := make([]poolNote, len(p))
		for i := range p {
			r[len(p)-1-i] = p[i]
		}
		return r
	}

	switch a.cfg.Pattern {
	case PatternDown:
		return reversed(pool)
	case PatternUpDown:
		return append(pool, reversed(pool[:len(pool)-1])...)
	case PatternDownUp:
		down := reversed(pool)
		return append(down, pool[1:]...)
	case PatternRandom:
		shuffled := append([]poolNote(nil), pool...)
		for i := len(shuffled) - 1; i > 0; i-- {
			j := a.rnd.Intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		return shuffled
	default:
		return pool
	}
}

// release turns the NoteOff of a held note into one NoteOff per distinct note
// started on its behalf, all at the time of the latest of them.
func (a *Arpeggiator) release(off command.Command) []command.Command {
	list, tracked := a.spawns[off.Number]
	if !tracked {
		return nil
	}
	delete(a.spawns, off.Number)
	a.unhold(off.Number)

	if len(list) == 0 {
		return nil
	}

	at := off.StartAt
	for _, s := range list {
		if s.startAt > at {
			at = s.startAt
		}
	}

	seen := map[int]bool{}
	var out []command.Command
	for _, s := range list {
		if seen[s.note] {
			continue
		}
		seen[s.note] = true
		c := off.Clone()
		c.Kind = command.NoteOff
		c.Number = s.note
		c.Velocity = 0
		c.StartAt = at
		c.From = fromArpeggiator
		out = append(out, c)
	}
	return out
}
