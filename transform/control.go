package transform

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/command"
)

// Source is the kind of incoming command a Control listens to.
type Source string

const (
	// SourceCC listens to a control change controller, its value sets the field.
	SourceCC Source = "cc"
	// SourceKey listens to a key, the velocity of its NoteOn sets the field.
	// The NoteOff switches bool fields off again.
	SourceKey Source = "key"
)

var ErrInvalidControl = errors.New("invalid control")

// Control binds a controller or key to a field of the first chain member of a type.
type Control struct {
	Source  Source `yaml:"source"`
	Number  int    `yaml:"number"`
	Channel int    `yaml:"channel,omitempty"` // 1-16, 0 = any
	Type    Type   `yaml:"type"`
	Field   string `yaml:"field"`

	// Wrap picks enum values by value modulo the number of values instead of
	// splitting the value range evenly.
	Wrap bool `yaml:"wrap,omitempty"`
}

// CC binds controller to field of the member of type t.
func CC(controller int, t Type, field string) Control {
	return Control{Source: SourceCC, Number: controller, Type: t, Field: field}
}

// Key binds key to field of the member of type t.
func Key(key int, t Type, field string) Control {
	return Control{Source: SourceKey, Number: key, Type: t, Field: field}
}

// On restricts the control to channel ch (1-16).
func (c Control) On(ch int) Control {
	c.Channel = ch
	return c
}

// schema returns the schema entry of the bound field.
func (c Control) schema() (Field, error) {
	if c.Source != SourceCC && c.Source != SourceKey {
		return Field{}, errors.Wrapf(ErrInvalidControl, "source %q", c.Source)
	}
	if c.Number < 0 || c.Number > command.MaxValue7 {
		return Field{}, errors.Wrapf(ErrInvalidControl, "%s number %d", c.Source, c.Number)
	}
	if c.Channel < 0 || c.Channel > 16 {
		return Field{}, errors.Wrapf(ErrInvalidControl, "channel %d", c.Channel)
	}
	t, err := New(c.Type)
	if err != nil {
		return Field{}, err
	}
	for _, f := range t.Fields() {
		if f.Name != c.Field {
			continue
		}
		if f.Kind == FieldString {
			return Field{}, errors.Wrapf(ErrInvalidControl, "%s.%s takes text", c.Type, c.Field)
		}
		return f, nil
	}
	return Field{}, errors.Wrapf(ErrUnknownField, "%s.%s", c.Type, c.Field)
}

// match reports whether cmd drives the control and the 7 bit value it carries.
// ok without set means the command belongs to the control but changes nothing.
func (c Control) match(cmd command.Command) (value int, set, ok bool) {
	if c.Channel != command.ChannelAll && cmd.Channel != c.Channel {
		return 0, false, false
	}
	switch c.Source {
	case SourceCC:
		if cmd.Kind != command.ControlChange || cmd.Number != c.Number {
			return 0, false, false
		}
		return cmd.Value, true, true
	case SourceKey:
		if cmd.Number != c.Number {
			return 0, false, false
		}
		switch {
		case cmd.IsNoteOn():
			return cmd.Velocity, true, true
		case cmd.IsNoteOff():
			return 0, false, true
		}
	}
	return 0, false, false
}

// Value maps a 7 bit value onto a value of f.
func (c Control) Value(f Field, v int) string {
	v = command.Clamp(v, 0, command.MaxValue7)
	switch f.Kind {
	case FieldEnum:
		if len(f.Values) == 0 {
			return f.Default
		}
		if c.Wrap {
			return f.Values[v%len(f.Values)]
		}
		return f.Values[v*len(f.Values)/(command.MaxValue7+1)]
	case FieldBool:
		return btoa(v > 0)
	case FieldInt:
		return strconv.Itoa(int(math.Round(f.Min + float64(v)*(f.Max-f.Min)/command.MaxValue7)))
	case FieldFloat:
		return strconv.FormatFloat(f.Min+float64(v)*(f.Max-f.Min)/command.MaxValue7, 'f', -1, 64)
	}
	return f.Default
}

type binding struct {
	Control
	field Field
}

// Controls changes chain members live from incoming commands.
type Controls struct {
	bindings []binding
}

// NewControls validates every control against the schema of its type.
func NewControls(ctrls ...Control) (*Controls, error) {
	cs := &Controls{}
	for i, c := range ctrls {
		f, err := c.schema()
		if err != nil {
			return nil, errors.Wrapf(err, "control %d", i)
		}
		cs.bindings = append(cs.bindings, binding{Control: c, field: f})
	}
	return cs, nil
}

// Len returns the number of controls.
func (cs *Controls) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.bindings)
}

// Apply sets the fields of chain members for the commands bound to a control
// and returns the other commands. Controls of types missing from ch are logged
// and swallow their commands all the same.
func (cs *Controls) Apply(ch *Chain, cmds []command.Command) []command.Command {
	if cs.Len() == 0 {
		return cmds
	}
	rest := cmds[:0:0]
outer:
	for _, cmd := range cmds {
		for _, b := range cs.bindings {
			v, set, ok := b.match(cmd)
			if !ok {
				continue
			}
			if !set && b.field.Kind == FieldBool {
				set = true
			}
			if set {
				val := b.Value(b.field, v)
				if err := ch.SetTypeField(b.Type, b.Field, val); err != nil {
					ch.logger().Log("controls", "can't set %s.%s to %s: %v", b.Type, b.Field, val, err)
				}
			}
			continue outer
		}
		rest = append(rest, cmd)
	}
	return rest
}
