// Package clock provides the shared musical transport the scheduler follows.
package clock

import "context"

// PPQN is the number of ticks per quarter note.
const PPQN = 24

// Tick is one clock subdivision.
type Tick struct {
	TicksElapsed int64
	Bar          int64
	BeatsElapsed int64
	// ElapsedSeconds is the transport time of the tick; it is the "now" commands are compared against.
	ElapsedSeconds float64
	// Drift is how late (positive) the tick was delivered compared to its ideal time, in seconds.
	Drift float64
}

// Snapshot is the view of the clock handed to transformers.
type Snapshot struct {
	BPM          float64
	Now          float64
	TicksElapsed int64
}

// Beat returns the length of a quarter note in seconds.
func (s Snapshot) Beat() float64 {
	if s.BPM <= 0 {
		return 60.0 / DefaultBPM
	}
	return 60.0 / s.BPM
}

// Clock is what the pipeline needs from a transport.
type Clock interface {
	BPM() float64
	Now() float64
	Snapshot() Snapshot
	Ticks() <-chan Tick
	Run(ctx context.Context) error
}

// NewTick derives bar and beat position from the tick count.
func NewTick(ticks int64, elapsed, ideal float64, beatsPerBar int) Tick {
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	return Tick{
		TicksElapsed:   ticks,
		BeatsElapsed:   ticks / PPQN,
		Bar:            ticks / (PPQN * int64(beatsPerBar)),
		ElapsedSeconds: elapsed,
		Drift:          elapsed - ideal,
	}
}
