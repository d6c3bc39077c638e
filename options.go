package midichain

import (
	"time"

	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/dispatch"
	"gitlab.com/gomidi/midichain/transform"
)

type Option func(p *Pipeline)

// Tempo sets the tempo of the internal transport
func Tempo(bpm float64) Option {
	return func(p *Pipeline) {
		p.tempoBPM = bpm
	}
}

// BeatsPerBar sets the bar length of the internal transport
func BeatsPerBar(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.beatsPerBar = n
		}
	}
}

// DrainLimit sets how many commands are executed per clock tick at most
func DrainLimit(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.drainLimit = n
		}
	}
}

// DispatchTimeout sets how long a transformation may take on the worker before it is run in process
func DispatchTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.dispatchTimeout = d
		}
	}
}

// WorkerFactory sets how the transformation worker is started. nil runs every transformation in process.
func WorkerFactory(f dispatch.WorkerFactory) Option {
	return func(p *Pipeline) {
		p.workerFactory = f
		p.workerFactorySet = true
	}
}

// ChordWindow sets how long the pipeline waits for more input after a command
// before transforming them together, so that the notes of a chord arrive as one batch
func ChordWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.chordWindow = d
		}
	}
}

// From adds a source of commands
func From(src Source) Option {
	return func(p *Pipeline) {
		if src != nil {
			p.sources = append(p.sources, src)
		}
	}
}

// Logger sets the debug logger for all components
func Logger(l debug.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Controls sets the controls that change the chain from incoming commands.
// Commands bound to a control are not transformed.
func Controls(cs *transform.Controls) Option {
	return func(p *Pipeline) {
		p.controls = cs
	}
}
