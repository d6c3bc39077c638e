// Package midichain moves commands from inputs through a chain of transformers
// to outputs, at the musical time the transformers ask for.
//
// Input -> Dispatcher -> Chain -> Queue -> Scheduler -> Output
package midichain

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/dispatch"
	"gitlab.com/gomidi/midichain/schedule"
	"gitlab.com/gomidi/midichain/transform"
)

const VERSION = "0.1.0"

// DefaultChordWindow is how long the pipeline waits for the other notes of a chord.
const DefaultChordWindow = 20 * time.Millisecond

// Source delivers commands, e.g. a mididev.Input.
type Source interface {
	Commands() <-chan command.Command
}

// Pipeline wires a chain, a clock, the dispatcher and the scheduler together.
type Pipeline struct {
	chain *transform.Chain
	clock clock.Clock
	sched *schedule.Scheduler
	disp  *dispatch.Dispatcher

	sources  []Source
	controls *transform.Controls
	log      debug.Logger

	// mu orders enqueuing of transformed commands against Stop
	mu sync.Mutex

	tempoBPM         float64
	beatsPerBar      int
	drainLimit       int
	dispatchTimeout  time.Duration
	workerFactory    dispatch.WorkerFactory
	workerFactorySet bool
	chordWindow      time.Duration
}

// New returns a pipeline running chain against clk and playing to outputs.
// A nil chain is replaced by transform.DefaultChain, a nil clk by an internal transport.
func New(chain *transform.Chain, clk clock.Clock, outputs []schedule.Output, opts ...Option) *Pipeline {
	p := &Pipeline{
		chain:       chain,
		clock:       clk,
		log:         debug.Nop,
		tempoBPM:    clock.DefaultBPM,
		beatsPerBar: 4,
		drainLimit:  schedule.DefaultLimit,
		chordWindow: DefaultChordWindow,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.chain == nil {
		p.chain = transform.DefaultChain()
	}
	if p.clock == nil {
		p.clock = clock.NewTransport(p.tempoBPM, p.beatsPerBar)
	}
	p.chain.SetLogger(p.log)

	p.sched = schedule.New(p.chain, outputs, schedule.Limit(p.drainLimit), schedule.Logger(p.log))

	dopts := []dispatch.Option{dispatch.Logger(p.log)}
	if p.dispatchTimeout > 0 {
		dopts = append(dopts, dispatch.Timeout(p.dispatchTimeout))
	}
	if p.workerFactorySet {
		dopts = append(dopts, dispatch.Factory(p.workerFactory))
	}
	p.disp = dispatch.New(p.chain, dopts...)
	return p
}

func (p *Pipeline) Chain() *transform.Chain {
	return p.chain
}

func (p *Pipeline) Clock() clock.Clock {
	return p.clock
}

func (p *Pipeline) Scheduler() *schedule.Scheduler {
	return p.sched
}

// Process transforms cmds and queues the result. Commands bound to a control
// change the chain before the others are transformed. Results of a transformation
// that overlapped a Stop are dropped.
func (p *Pipeline) Process(ctx context.Context, cmds ...command.Command) error {
	cmds = p.controls.Apply(p.chain, cmds)
	if len(cmds) == 0 {
		return nil
	}
	epoch := p.chain.Epoch()

	out, err := p.disp.Transform(ctx, cmds, p.clock.Snapshot())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chain.Epoch() != epoch {
		p.log.Log("pipeline", "discarding %d commands transformed before reset", len(out))
		return nil
	}
	p.sched.Enqueue(out...)
	return nil
}

// Run runs the clock, the scheduler and reads all sources until ctx is done (blocking - run in goroutine)
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.clock.Run(ctx)
	})
	g.Go(func() error {
		return p.sched.Run(ctx, p.clock.Ticks())
	})
	for _, src := range p.sources {
		src := src
		g.Go(func() error {
			return p.listen(ctx, src)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listen collects the commands of src arriving within the chord window into one batch.
func (p *Pipeline) listen(ctx context.Context, src Source) error {
	var (
		batch  []command.Command
		timer  *time.Timer
		window <-chan time.Time
	)

	flush := func() error {
		if timer != nil {
			timer.Stop()
			timer, window = nil, nil
		}
		if len(batch) == 0 {
			return nil
		}
		cmds := batch
		batch = nil
		err := p.Process(ctx, cmds...)
		if errors.Is(err, dispatch.ErrClosed) {
			return err
		}
		if err != nil {
			p.log.Log("pipeline", "can't process %d commands: %v", len(cmds), err)
		}
		return nil
	}

	in := src.Commands()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				return flush()
			}
			batch = append(batch, c)
			if p.chordWindow <= 0 {
				if err := flush(); err != nil {
					return err
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.chordWindow)
				window = timer.C
			}
		case <-window:
			timer, window = nil, nil
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// Stop forgets held notes and queued commands and silences the outputs.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	p.chain.Reset()
	p.sched.Clear()
	p.mu.Unlock()
	return p.sched.AllNotesOff()
}

// Close stops the dispatcher. Process fails afterwards.
func (p *Pipeline) Close() error {
	return p.disp.Close()
}
