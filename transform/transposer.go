package transform

import (
	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// TransposerConfig configures a Transposer.
type TransposerConfig struct {
	Semitones int
}

func (TransposerConfig) Type() Type { return TypeTransposer }

func (c TransposerConfig) Record() Record {
	return Record{Type: TypeTransposer, Fields: map[string]string{"semitones": itoa(c.Semitones)}}
}

var transposerFields = []Field{
	{Name: "semitones", Kind: FieldInt, Min: -48, Max: 48, Default: "0", Description: "transposition in half notes"},
}

// Transposer shifts notes by a number of half notes.
type Transposer struct {
	cfg TransposerConfig
	// sounding maps input notes to the notes they were transposed to
	sounding map[int][]int
}

// NewTransposer returns a transposer shifting by semitones.
func NewTransposer(semitones int) *Transposer {
	t := &Transposer{cfg: TransposerConfig{Semitones: command.Clamp(semitones, -48, 48)}}
	t.Reset()
	return t
}

func (t *Transposer) Type() Type      { return TypeTransposer }
func (t *Transposer) Fields() []Field { return transposerFields }
func (t *Transposer) Config() Config  { return t.cfg }
func (t *Transposer) Reset()          { t.sounding = map[int][]int{} }

func (t *Transposer) Configure(rec Record) error {
	if err := checkType(TypeTransposer, rec); err != nil {
		return err
	}
	v, err := resolve(transposerFields, t.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	t.cfg = TransposerConfig{Semitones: v.int("semitones")}
	return nil
}

func (t *Transposer) shift(note int) int {
	return command.Clamp(note+t.cfg.Semitones, 0, command.MaxValue7)
}

func (t *Transposer) Transform(cmds []command.Command, _ clock.Snapshot) []command.Command {
	out := make([]command.Command, 0, len(cmds))
	for _, c := range cmds {
		switch {
		case c.IsNoteOn():
			n := t.shift(c.Number)
			t.sounding[c.Number] = append(t.sounding[c.Number], n)
			c = c.Clone()
			c.Number = n
		case c.IsNoteOff():
			n := t.shift(c.Number)
			if s := t.sounding[c.Number]; len(s) > 0 {
				n = s[0]
				if len(s) == 1 {
					delete(t.sounding, c.Number)
				} else {
					t.sounding[c.Number] = s[1:]
				}
			}
			c = c.Clone()
			c.Number = n
		case c.Kind == command.PolyAftertouch:
			c = c.Clone()
			c.Number = t.shift(c.Number)
		}
		out = append(out, c)
	}
	return out
}
