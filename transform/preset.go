package transform

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Preset is a named, shareable chain configuration.
type Preset struct {
	Name     string    `yaml:"name,omitempty"`
	Chain    []Record  `yaml:"chain"`
	Controls []Control `yaml:"controls,omitempty"`
}

// NewPreset captures the configuration of c.
func NewPreset(name string, c *Chain) Preset {
	return Preset{Name: name, Chain: c.Export()}
}

// Build creates a new chain from the preset.
func (p Preset) Build() (*Chain, error) {
	ts, err := FromRecords(p.Chain)
	if err != nil {
		return nil, errors.Wrapf(err, "preset %q", p.Name)
	}
	return NewChain(ts...), nil
}

// SavePreset writes the configuration of c as YAML.
func SavePreset(w io.Writer, name string, c *Chain) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(NewPreset(name, c)); err != nil {
		return errors.Wrap(err, "encode preset")
	}
	return enc.Close()
}

// LoadPreset reads a YAML preset; the records are validated by building them once.
func LoadPreset(r io.Reader) (Preset, error) {
	var p Preset
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return Preset{}, errors.Wrap(err, "decode preset")
	}
	if _, err := FromRecords(p.Chain); err != nil {
		return Preset{}, errors.Wrapf(err, "preset %q", p.Name)
	}
	if _, err := NewControls(p.Controls...); err != nil {
		return Preset{}, errors.Wrapf(err, "preset %q", p.Name)
	}
	return p, nil
}
