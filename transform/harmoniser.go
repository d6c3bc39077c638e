package transform

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// HarmoniserConfig configures a Harmoniser.
type HarmoniserConfig struct {
	// Chord is a named interval set, or "custom" to use Intervals.
	Chord     string
	Intervals []int
	// Velocity of the added notes in percent of the played note.
	Velocity int
}

func (HarmoniserConfig) Type() Type { return TypeHarmoniser }

func (c HarmoniserConfig) Record() Record {
	ivs := make([]string, len(c.Intervals))
	for i, iv := range c.Intervals {
		ivs[i] = itoa(iv)
	}
	return Record{Type: TypeHarmoniser, Fields: map[string]string{
		"chord":     c.Chord,
		"intervals": strings.Join(ivs, ","),
		"velocity":  itoa(c.Velocity),
	}}
}

var chords = map[string][]int{
	"major":  {4, 7},
	"minor":  {3, 7},
	"fifth":  {7},
	"octave": {12},
	"sus4":   {5, 7},
}

var harmoniserFields = []Field{
	{Name: "chord", Kind: FieldEnum, Values: []string{"major", "minor", "fifth", "octave", "sus4", "custom"}, Default: "major"},
	{Name: "intervals", Kind: FieldString, Default: "", Description: "comma separated half notes, used by the custom chord"},
	{Name: "velocity", Kind: FieldInt, Min: 1, Max: 100, Default: "100", Description: "velocity of added notes in percent"},
}

func parseIntervals(s string) ([]int, error) {
	var ivs []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		iv, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidValue, "intervals: %q", part)
		}
		if iv == 0 {
			continue
		}
		ivs = append(ivs, command.Clamp(iv, -48, 48))
	}
	return ivs, nil
}

// Harmoniser adds notes at fixed intervals to every played note.
type Harmoniser struct {
	cfg HarmoniserConfig
	// added maps a played note to the notes added for it
	added map[int][]int
	// holds counts how many played notes keep an output note sounding
	holds map[int]int
}

// NewHarmoniser returns a harmoniser adding a major triad.
func NewHarmoniser() *Harmoniser {
	h := &Harmoniser{cfg: HarmoniserConfig{Chord: "major", Intervals: chords["major"], Velocity: 100}}
	h.Reset()
	return h
}

func (h *Harmoniser) Type() Type      { return TypeHarmoniser }
func (h *Harmoniser) Fields() []Field { return harmoniserFields }
func (h *Harmoniser) Config() Config  { return h.cfg }
func (h *Harmoniser) Reset() {
	h.added = map[int][]int{}
	h.holds = map[int]int{}
}

func (h *Harmoniser) Configure(rec Record) error {
	if err := checkType(TypeHarmoniser, rec); err != nil {
		return err
	}
	v, err := resolve(harmoniserFields, h.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	cfg := HarmoniserConfig{Chord: v.str("chord"), Velocity: v.int("velocity")}
	if cfg.Chord == "custom" {
		if cfg.Intervals, err = parseIntervals(v.str("intervals")); err != nil {
			return err
		}
	} else {
		cfg.Intervals = chords[cfg.Chord]
	}
	h.cfg = cfg
	return nil
}

func (h *Harmoniser) Transform(cmds []command.Command, _ clock.Snapshot) []command.Command {
	out := make([]command.Command, 0, len(cmds)*(len(h.cfg.Intervals)+1))
	for _, c := range cmds {
		switch {
		case c.IsNoteOn():
			out = append(out, c)
			if _, sounding := h.added[c.Number]; sounding {
				continue
			}
			h.holds[c.Number]++
			var added []int
			for _, iv := range h.cfg.Intervals {
				n := c.Number + iv
				if n < 0 || n > command.MaxValue7 {
					continue
				}
				hc := c.Clone()
				hc.Number = n
				hc.Velocity = command.Clamp(c.Velocity*h.cfg.Velocity/100, 1, command.MaxValue7)
				out = append(out, hc)
				added = append(added, n)
				h.holds[n]++
			}
			h.added[c.Number] = added
		case c.IsNoteOff():
			added, tracked := h.added[c.Number]
			if !tracked {
				out = append(out, c)
				continue
			}
			delete(h.added, c.Number)
			for _, n := range append([]int{c.Number}, added...) {
				if h.release(n) {
					hc := c.Clone()
					hc.Number = n
					out = append(out, hc)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// release drops one hold of n and reports whether n is free to stop.
func (h *Harmoniser) release(n int) bool {
	h.holds[n]--
	if h.holds[n] > 0 {
		return false
	}
	delete(h.holds, n)
	return true
}
