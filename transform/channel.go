package transform

import (
	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// ChannelConfig configures a ChannelFilter. 0 means all channels for In and
// keep the channel for Out.
type ChannelConfig struct {
	In  int
	Out int
}

func (ChannelConfig) Type() Type { return TypeChannel }

func (c ChannelConfig) Record() Record {
	return Record{Type: TypeChannel, Fields: map[string]string{
		"in":  itoa(c.In),
		"out": itoa(c.Out),
	}}
}

var channelFields = []Field{
	{Name: "in", Kind: FieldInt, Min: 0, Max: 16, Default: "0", Description: "midi channel to listen to (0 = all)"},
	{Name: "out", Kind: FieldInt, Min: 0, Max: 16, Default: "0", Description: "midi channel to write to (0 = unchanged)"},
}

// ChannelFilter drops commands of other channels and optionally moves the
// rest to another channel. Commands without a channel always pass.
type ChannelFilter struct {
	cfg ChannelConfig
}

// NewChannelFilter returns a filter for channel in (1-16, 0 = all) writing to out.
func NewChannelFilter(in, out int) *ChannelFilter {
	return &ChannelFilter{cfg: ChannelConfig{In: command.Clamp(in, 0, 16), Out: command.Clamp(out, 0, 16)}}
}

func (f *ChannelFilter) Type() Type      { return TypeChannel }
func (f *ChannelFilter) Fields() []Field { return channelFields }
func (f *ChannelFilter) Config() Config  { return f.cfg }
func (f *ChannelFilter) Reset()          {}

func (f *ChannelFilter) Configure(rec Record) error {
	if err := checkType(TypeChannel, rec); err != nil {
		return err
	}
	v, err := resolve(channelFields, f.cfg.Record().Fields, rec.Fields)
	if err != nil {
		return err
	}
	f.cfg = ChannelConfig{In: v.int("in"), Out: v.int("out")}
	return nil
}

func (f *ChannelFilter) Transform(cmds []command.Command, _ clock.Snapshot) []command.Command {
	out := make([]command.Command, 0, len(cmds))
	for _, c := range cmds {
		if f.cfg.In != command.ChannelAll && c.Channel != command.ChannelAll && c.Channel != f.cfg.In {
			continue
		}
		if f.cfg.Out != command.ChannelAll && c.Channel != f.cfg.Out {
			c = c.Clone()
			c.Channel = f.cfg.Out
		}
		out = append(out, c)
	}
	return out
}
