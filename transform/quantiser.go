package transform

import (
	"math"
	"sync"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// QuantiserConfig configures the grid the scheduler locks to.
type QuantiserConfig struct {
	Enabled           bool
	Grid              string
	SingleNotePerSlot bool
}

func (QuantiserConfig) Type() Type { return TypeQuantiser }

func (c QuantiserConfig) Record() Record {
	return Record{Type: TypeQuantiser, Fields: map[string]string{
		"enabled": btoa(c.Enabled),
		"grid":    c.Grid,
		"single":  btoa(c.SingleNotePerSlot),
	}}
}

var gridNames = []string{"bar", "1/2", "1/4", "1/8", "1/16", "1/32", "1/4t", "1/8t", "1/16t"}

var quantiserFields = []Field{
	{Name: "enabled", Kind: FieldBool, Default: "false", Description: "lock command execution to the grid"},
	{Name: "grid", Kind: FieldEnum, Values: gridNames, Default: "1/16", Description: "grid size"},
	{Name: "single", Kind: FieldBool, Default: "false", Description: "fire at most one batch per grid slot"},
}

// GridTicks returns the number of clock ticks of a grid size.
func GridTicks(grid string) (int, bool) {
	if grid == "bar" {
		return clock.PPQN * 4, true
	}
	f, ok := rates[grid]
	if !ok {
		return 0, false
	}
	return int(math.Round(f * clock.PPQN)), true
}

// Quantiser does not change commands; the scheduler reads its grid to decide
// on which ticks queued commands may fire.
type Quantiser struct {
	mu  sync.RWMutex
	cfg QuantiserConfig
}

// NewQuantiser returns a disabled quantiser with a 1/16 grid.
func NewQuantiser() *Quantiser {
	return &Quantiser{cfg: QuantiserConfig{Grid: "1/16"}}
}

func (q *Quantiser) Type() Type      { return TypeQuantiser }
func (q *Quantiser) Fields() []Field { return quantiserFields }
func (q *Quantiser) Reset()          {}

func (q *Quantiser) Config() Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

func (q *Quantiser) Configure(rec Record) error {
	if err := checkType(TypeQuantiser, rec); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	v, err := resolve(quantiserFields, q.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	q.cfg = QuantiserConfig{
		Enabled:           v.bool("enabled"),
		Grid:              v.str("grid"),
		SingleNotePerSlot: v.bool("single"),
	}
	return nil
}

func (q *Quantiser) Transform(cmds []command.Command, _ clock.Snapshot) []command.Command {
	return cmds
}

// Grid returns the divisor in ticks; ok is false while disabled.
func (q *Quantiser) Grid() (divisor int, singleNotePerSlot bool, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.cfg.Enabled {
		return 0, false, false
	}
	divisor, ok = GridTicks(q.cfg.Grid)
	return divisor, q.cfg.SingleNotePerSlot, ok
}
