package transform

import (
	"math/rand"
	"time"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// HumaniserConfig configures a Humaniser.
type HumaniserConfig struct {
	// Timing is the maximal delay in milliseconds.
	Timing float64
	// Velocity is the maximal velocity deviation in both directions.
	Velocity int
}

func (HumaniserConfig) Type() Type { return TypeHumaniser }

func (c HumaniserConfig) Record() Record {
	return Record{Type: TypeHumaniser, Fields: map[string]string{
		"timing":   ftoa(c.Timing),
		"velocity": itoa(c.Velocity),
	}}
}

var humaniserFields = []Field{
	{Name: "timing", Kind: FieldFloat, Min: 0, Max: 100, Default: "10", Description: "maximal delay in milliseconds"},
	{Name: "velocity", Kind: FieldInt, Min: 0, Max: 64, Default: "8", Description: "maximal velocity deviation"},
}

// Humaniser randomly delays notes and varies their velocity. Notes are only
// ever delayed; a NoteOff is delayed by the same amount as its NoteOn.
type Humaniser struct {
	cfg    HumaniserConfig
	delays map[int][]float64
	rnd    *rand.Rand
}

// NewHumaniser returns a humaniser with up to 10ms delay and ±8 velocity.
func NewHumaniser() *Humaniser {
	h := &Humaniser{
		cfg: HumaniserConfig{Timing: 10, Velocity: 8},
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	h.Reset()
	return h
}

// SetRandSource replaces the random source.
func (h *Humaniser) SetRandSource(src rand.Source) {
	h.rnd = rand.New(src)
}

func (h *Humaniser) Type() Type      { return TypeHumaniser }
func (h *Humaniser) Fields() []Field { return humaniserFields }
func (h *Humaniser) Config() Config  { return h.cfg }
func (h *Humaniser) Reset()          { h.delays = map[int][]float64{} }

func (h *Humaniser) Configure(rec Record) error {
	if err := checkType(TypeHumaniser, rec); err != nil {
		return err
	}
	v, err := resolve(humaniserFields, h.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	h.cfg = HumaniserConfig{Timing: v.float("timing"), Velocity: v.int("velocity")}
	return nil
}

func (h *Humaniser) Transform(cmds []command.Command, _ clock.Snapshot) []command.Command {
	out := make([]command.Command, 0, len(cmds))
	for _, c := range cmds {
		switch {
		case c.IsNoteOn():
			delay := h.rnd.Float64() * h.cfg.Timing / 1000
			h.delays[c.Number] = append(h.delays[c.Number], delay)
			c = c.Clone()
			c.StartAt += delay
			if h.cfg.Velocity > 0 {
				c.Velocity = command.Clamp(c.Velocity+h.rnd.Intn(2*h.cfg.Velocity+1)-h.cfg.Velocity, 1, command.MaxValue7)
			}
		case c.IsNoteOff():
			d := h.delays[c.Number]
			if len(d) == 0 {
				break
			}
			c = c.Clone()
			c.StartAt += d[0]
			if len(d) == 1 {
				delete(h.delays, c.Number)
			} else {
				h.delays[c.Number] = d[1:]
			}
		}
		out = append(out, c)
	}
	return out
}
