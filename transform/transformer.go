// Package transform contains the composable command transformers and the chain applying them.
package transform

import (
	"sort"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
)

// Type is the type tag of a transformer; it selects the configuration variant.
type Type string

const (
	TypeArpeggiator Type = "arpeggiate"
	TypeQuantiser   Type = "quantise"
	TypeTransposer  Type = "transpose"
	TypeHarmoniser  Type = "harmonise"
	TypeHumaniser   Type = "humanise"
	TypeShortener   Type = "shorten"
	TypeChannel     Type = "channel"
)

var (
	ErrUnknownType  = errors.New("unknown transformer type")
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidValue = errors.New("invalid field value")
	ErrTypeMismatch = errors.New("record type does not match transformer")
	ErrOutOfRange   = errors.New("index out of range")
)

// Transformer turns a batch of commands into another batch.
//
// Implementations are not safe for concurrent use; the Chain serialises
// Transform, Reset and Configure.
type Transformer interface {
	Type() Type
	Transform(cmds []command.Command, clk clock.Snapshot) []command.Command
	// Reset drops held state without emitting anything.
	Reset()
	Config() Config
	// Configure applies the given fields over the current configuration.
	// On error the configuration is left unchanged.
	Configure(rec Record) error
	Fields() []Field
}

// Config is one variant of the configuration tagged union.
type Config interface {
	Type() Type
	Record() Record
}

// Record is the flat, serialisable form of a configuration.
type Record struct {
	Type   Type              `yaml:"type" json:"type"`
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	cl := Record{Type: r.Type, Fields: make(map[string]string, len(r.Fields))}
	for k, v := range r.Fields {
		cl.Fields[k] = v
	}
	return cl
}

var registry = map[Type]func() Transformer{
	TypeArpeggiator: func() Transformer { return NewArpeggiator() },
	TypeQuantiser:   func() Transformer { return NewQuantiser() },
	TypeTransposer:  func() Transformer { return NewTransposer(0) },
	TypeHarmoniser:  func() Transformer { return NewHarmoniser() },
	TypeHumaniser:   func() Transformer { return NewHumaniser() },
	TypeShortener:   func() Transformer { return NewShortener() },
	TypeChannel:     func() Transformer { return NewChannelFilter(command.ChannelAll, command.ChannelAll) },
}

// Types lists the registered transformer types.
func Types() []Type {
	var types []Type
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// New returns a transformer of type t with its default configuration.
func New(t Type) (Transformer, error) {
	fn, ok := registry[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", t)
	}
	return fn(), nil
}

// FromRecord creates a transformer and configures it from rec.
func FromRecord(rec Record) (Transformer, error) {
	t, err := New(rec.Type)
	if err != nil {
		return nil, err
	}
	if err := t.Configure(rec); err != nil {
		return nil, errors.Wrapf(err, "configure %s", rec.Type)
	}
	return t, nil
}

// FromRecords builds one transformer per record, failing on the first bad record.
func FromRecords(recs []Record) ([]Transformer, error) {
	ts := make([]Transformer, 0, len(recs))
	for i, rec := range recs {
		t, err := FromRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		ts = append(ts, t)
	}
	return ts, nil
}

func checkType(t Type, rec Record) error {
	if rec.Type != "" && rec.Type != t {
		return errors.Wrapf(ErrTypeMismatch, "got %q, expected %q", rec.Type, t)
	}
	return nil
}
