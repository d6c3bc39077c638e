package transform

import (
	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// Style is the articulation of a NoteShortener.
type Style string

const (
	StyleStaccato  Style = "staccato"
	StyleNonLegato Style = "non-legato"
	StyleLegato    Style = "legato"
)

// ShortenerConfig configures a NoteShortener.
type ShortenerConfig struct {
	Style Style
	Rate  string
}

func (ShortenerConfig) Type() Type { return TypeShortener }

func (c ShortenerConfig) Record() Record {
	return Record{Type: TypeShortener, Fields: map[string]string{
		"style": string(c.Style),
		"rate":  c.Rate,
	}}
}

var shortenerFields = []Field{
	{Name: "style", Kind: FieldEnum, Values: []string{string(StyleStaccato), string(StyleNonLegato), string(StyleLegato)}, Default: string(StyleNonLegato)},
	{Name: "rate", Kind: FieldEnum, Values: rateNames, Default: "1/16", Description: "note value the length is derived from"},
}

// NoteShortener ends every note after a fixed length. It emits the NoteOff
// itself and swallows the NoteOff that arrives later for the same note.
type NoteShortener struct {
	cfg     ShortenerConfig
	pending map[int]int
}

// NewShortener returns a non-legato 1/16 shortener.
func NewShortener() *NoteShortener {
	s := &NoteShortener{cfg: ShortenerConfig{Style: StyleNonLegato, Rate: "1/16"}}
	s.Reset()
	return s
}

func (s *NoteShortener) Type() Type      { return TypeShortener }
func (s *NoteShortener) Fields() []Field { return shortenerFields }
func (s *NoteShortener) Config() Config  { return s.cfg }
func (s *NoteShortener) Reset()          { s.pending = map[int]int{} }

func (s *NoteShortener) Configure(rec Record) error {
	if err := checkType(TypeShortener, rec); err != nil {
		return err
	}
	v, err := resolve(shortenerFields, s.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	s.cfg = ShortenerConfig{Style: Style(v.str("style")), Rate: v.str("rate")}
	return nil
}

// Length returns the note length in seconds at the given tempo.
func (s *NoteShortener) Length(clk clock.Snapshot) float64 {
	dist := clk.Beat() * rates[s.cfg.Rate]
	switch s.cfg.Style {
	case StyleStaccato:
		return dist * 1.0 / 5.0
	case StyleLegato:
		if dist > 0.010 {
			return dist - 0.010
		}
		return dist
	default:
		return dist * 2.0 / 3.0
	}
}

func (s *NoteShortener) Transform(cmds []command.Command, clk clock.Snapshot) []command.Command {
	length := s.Length(clk)
	out := make([]command.Command, 0, len(cmds)*2)
	for _, c := range cmds {
		switch {
		case c.IsNoteOn():
			off := c.Clone()
			off.Kind = command.NoteOff
			off.Velocity = 0
			off.StartAt = c.StartAt + length
			c.EndAt = off.StartAt
			s.pending[c.Number]++
			out = append(out, c, off)
		case c.IsNoteOff():
			if s.pending[c.Number] > 0 {
				s.pending[c.Number]--
				if s.pending[c.Number] == 0 {
					delete(s.pending, c.Number)
				}
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
