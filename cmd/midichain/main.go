package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	driver "gitlab.com/gomidi/rtmididrv"

	"gitlab.com/gomidi/midi"
	"gitlab.com/gomidi/midichain"
	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/debug"
	"gitlab.com/gomidi/midichain/mididev"
	"gitlab.com/gomidi/midichain/schedule"
	"gitlab.com/gomidi/midichain/transform"
	config "gitlab.com/metakeule/config"
)

var CONFIG = config.MustNew("midichain", midichain.VERSION, "transform and schedule midi commands")

var (
	inArg        = CONFIG.NewInt32("in", "number of the input device", config.Required, config.Shortflag('i'))
	outArg       = CONFIG.NewInt32("out", "number of the output device", config.Required, config.Shortflag('o'))
	channelArg   = CONFIG.NewInt32("channel", "output channel (1-16), 0 keeps the input channel", config.Default(int32(0)), config.Shortflag('c'))
	bpmArg       = CONFIG.NewFloat32("bpm", "tempo in beats per minute", config.Default(float32(clock.DefaultBPM)), config.Shortflag('b'))
	presetArg    = CONFIG.NewString("preset", "yaml file with the transformer chain", config.Default(""), config.Shortflag('p'))
	logArg       = CONFIG.NewString("log", "file to write debug messages to", config.Default(""), config.Shortflag('l'))
	transposeArg = CONFIG.NewInt32("transpose", "transpose (half notes)", config.Default(int32(0)), config.Shortflag('t'))
	ctrlChArg    = CONFIG.NewInt32("control-channel", "channel (1-16) of the control commands, 0 accepts all", config.Default(int32(0)))
	ccRateArg    = CONFIG.NewInt32("cc-rate", "controller setting the arpeggiator rate, -1 disables", config.Default(int32(-1)))
	ccPatternArg = CONFIG.NewInt32("cc-pattern", "controller setting the arpeggiator pattern, -1 disables", config.Default(int32(-1)))
	ccStyleArg   = CONFIG.NewInt32("cc-style", "controller setting the articulation, -1 disables", config.Default(int32(-1)))
	listCmd      = CONFIG.MustCommand("list", "list devices").Relax("in").Relax("out")
)

func main() {
	err := run()
	if err != nil {

		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err.Error())
		os.Exit(1)
		return
	}
	os.Exit(0)
}

func run() error {
	drv, err := driver.New()

	if err != nil {
		return err
	}

	// make sure to close all open ports at the end
	defer drv.Close()

	err = CONFIG.Run()

	if err != nil {
		fmt.Fprint(os.Stderr, CONFIG.Usage())
		listMIDIDevices(drv)
		return err
	}

	if CONFIG.ActiveCommand() == listCmd {
		listMIDIDevices(drv)
		return nil
	}

	var log debug.Logger = debug.Nop
	if path := logArg.Get(); path != "" {
		w, err := debug.Open(path)
		if err != nil {
			return err
		}
		defer w.Close()
		log = w
	}

	chain, ctrls, err := loadPreset(presetArg.Get())
	if err != nil {
		return err
	}

	controls, err := transform.NewControls(append(ctrls, flagControls()...)...)
	if err != nil {
		return err
	}

	if tr := int(transposeArg.Get()); tr != 0 {
		if err := chain.Insert(0, transform.NewTransposer(tr)); err != nil {
			return err
		}
	}

	if ch := int(channelArg.Get()); ch > 0 {
		chain.Add(transform.NewChannelFilter(0, ch))
	}

	inPort, err := midi.OpenIn(drv, int(inArg.Get()), "")
	if err != nil {
		return err
	}

	outPort, err := midi.OpenOut(drv, int(outArg.Get()), "")
	if err != nil {
		return err
	}

	defer inPort.Close()
	defer outPort.Close()

	clk := clock.NewTransport(float64(bpmArg.Get()), 4)

	out, err := mididev.NewOutput(outPort, 0)
	if err != nil {
		return err
	}

	in := mididev.NewInput(inPort, clk.Now, 0, log)
	if err := in.Listen(); err != nil {
		return err
	}
	defer in.Close()

	pipe := midichain.New(chain, clk, []schedule.Output{out},
		midichain.From(in),
		midichain.Logger(log),
		midichain.Controls(controls),
	)
	defer pipe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pipe.Run(ctx)
	}()

	sigchan := make(chan os.Signal, 10)

	// listen for ctrl+c
	go signal.Notify(sigchan, os.Interrupt)

	select {
	case <-sigchan:
		// interrupt has happend
		fmt.Println("\n--interrupted!")
	case err := <-done:
		cancel()
		return err
	}

	cancel()
	<-done
	return pipe.Stop()
}

// loadPreset reads the chain and its controls from the preset file at path, the default chain without one
func loadPreset(path string) (*transform.Chain, []transform.Control, error) {
	if path == "" {
		return transform.DefaultChain(), nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	p, err := transform.LoadPreset(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "preset %s", path)
	}
	chain, err := p.Build()
	if err != nil {
		return nil, nil, err
	}
	return chain, p.Controls, nil
}

// flagControls returns the controls given on the command line
func flagControls() (ctrls []transform.Control) {
	ch := int(ctrlChArg.Get())
	bind := func(cc int32, c transform.Control) {
		if cc >= 0 {
			ctrls = append(ctrls, c.On(ch))
		}
	}
	bind(ccRateArg.Get(), transform.CC(int(ccRateArg.Get()), transform.TypeArpeggiator, "rate"))
	bind(ccPatternArg.Get(), transform.CC(int(ccPatternArg.Get()), transform.TypeArpeggiator, "pattern"))
	bind(ccStyleArg.Get(), transform.CC(int(ccStyleArg.Get()), transform.TypeShortener, "style"))
	return
}

func listMIDIDevices(d midi.Driver) {
	ins, _ := d.Ins()

	fmt.Print("\n--- MIDI input ports ---\n\n")

	for _, port := range ins {
		fmt.Printf("[%d] %#v\n", port.Number(), port.String())
	}

	outs, _ := d.Outs()

	fmt.Print("\n--- MIDI output ports ---\n\n")

	for _, port := range outs {
		fmt.Printf("[%d] %#v\n", port.Number(), port.String())
	}

	fmt.Print("\n\n")
}
