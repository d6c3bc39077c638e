package clock

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultBPM = 120.0
	MinBPM     = 20.0
	MaxBPM     = 300.0
)

// Transport is an internal clock emitting PPQN ticks per quarter note at the current tempo.
type Transport struct {
	mu          sync.RWMutex
	bpm         float64
	beatsPerBar int
	start       time.Time
	running     bool
	ticks       chan Tick
	lastTick    int64
	dropped     int64
	now         func() time.Time
}

// NewTransport returns a stopped transport at the given tempo.
func NewTransport(bpm float64, beatsPerBar int) *Transport {
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	return &Transport{
		bpm:         clampBPM(bpm),
		beatsPerBar: beatsPerBar,
		ticks:       make(chan Tick, PPQN),
		now:         time.Now,
	}
}

func clampBPM(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// SetBPM changes the tempo; it takes effect with the next tick.
func (t *Transport) SetBPM(bpm float64) {
	t.mu.Lock()
	t.bpm = clampBPM(bpm)
	t.mu.Unlock()
}

func (t *Transport) BPM() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bpm
}

// Now returns the seconds since Run started, 0 while stopped.
func (t *Transport) Now() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return 0
	}
	return t.now().Sub(t.start).Seconds()
}

func (t *Transport) Snapshot() Snapshot {
	t.mu.RLock()
	ticks := t.lastTick
	t.mu.RUnlock()
	return Snapshot{BPM: t.BPM(), Now: t.Now(), TicksElapsed: ticks}
}

// Ticks returns the tick stream. Ticks are dropped, not queued, when the reader lags behind.
func (t *Transport) Ticks() <-chan Tick {
	return t.ticks
}

// Dropped returns the number of ticks that could not be delivered.
func (t *Transport) Dropped() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// tickDuration returns the length of one tick in seconds.
func (t *Transport) tickDuration() float64 {
	return 60.0 / t.BPM() / PPQN
}

// Run emits ticks until ctx is done (blocking - run in goroutine)
func (t *Transport) Run(ctx context.Context) error {
	t.mu.Lock()
	t.start = t.now()
	t.running = true
	t.lastTick = 0
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	var n int64
	ideal := 0.0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		elapsed := t.Now()
		tick := NewTick(n, elapsed, ideal, t.beatsPerBar)
		t.mu.Lock()
		t.lastTick = n
		t.mu.Unlock()

		select {
		case t.ticks <- tick:
		default:
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
		}

		n++
		ideal += t.tickDuration()
		wait := time.Duration((ideal - t.Now()) * float64(time.Second))
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}
