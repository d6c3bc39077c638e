package transform

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FieldKind is the value type of a configuration field.
type FieldKind string

const (
	FieldEnum   FieldKind = "enum"
	FieldInt    FieldKind = "int"
	FieldFloat  FieldKind = "float"
	FieldBool   FieldKind = "bool"
	FieldString FieldKind = "string"
)

// Field describes one configuration field for control surfaces.
type Field struct {
	Name        string
	Kind        FieldKind
	Values      []string // permitted values of enum fields
	Min, Max    float64  // range of int and float fields
	Default     string
	Description string
}

// values holds validated, normalised field values.
type values map[string]string

// resolve overlays patch on base, validating every field against schema.
// Numbers outside their range are clamped, anything else invalid is rejected.
func resolve(schema []Field, base, patch map[string]string) (values, error) {
	byName := make(map[string]Field, len(schema))
	v := make(values, len(schema))
	for _, f := range schema {
		byName[f.Name] = f
		v[f.Name] = f.Default
	}
	for k, s := range base {
		if _, ok := byName[k]; ok {
			v[k] = s
		}
	}
	for k, s := range patch {
		if _, ok := byName[k]; !ok {
			return nil, errors.Wrapf(ErrUnknownField, "%q", k)
		}
		v[k] = s
	}

	for name, s := range v {
		norm, err := byName[name].normalise(s)
		if err != nil {
			return nil, err
		}
		v[name] = norm
	}
	return v, nil
}

func (f Field) normalise(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch f.Kind {
	case FieldEnum:
		for _, allowed := range f.Values {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return "", errors.Wrapf(ErrInvalidValue, "%s: %q not one of %v", f.Name, s, f.Values)
	case FieldInt:
		i, err := strconv.Atoi(s)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidValue, "%s: %q", f.Name, s)
		}
		return strconv.Itoa(int(math.Max(f.Min, math.Min(f.Max, float64(i))))), nil
	case FieldFloat:
		x, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(x) {
			return "", errors.Wrapf(ErrInvalidValue, "%s: %q", f.Name, s)
		}
		return strconv.FormatFloat(math.Max(f.Min, math.Min(f.Max, x)), 'f', -1, 64), nil
	case FieldBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidValue, "%s: %q", f.Name, s)
		}
		return strconv.FormatBool(b), nil
	default:
		return s, nil
	}
}

// the values are validated by resolve, so parse errors cannot happen here

func (v values) str(name string) string { return v[name] }

func (v values) int(name string) int {
	i, _ := strconv.Atoi(v[name])
	return i
}

func (v values) float(name string) float64 {
	x, _ := strconv.ParseFloat(v[name], 64)
	return x
}

func (v values) bool(name string) bool {
	b, _ := strconv.ParseBool(v[name])
	return b
}

func itoa(i int) string     { return strconv.Itoa(i) }
func ftoa(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
func btoa(b bool) string    { return strconv.FormatBool(b) }

// rates maps note values to their length in quarter notes.
var rates = map[string]float64{
	"1/2":   2.0,
	"1/4":   1.0,
	"1/8":   0.5,
	"1/16":  0.25,
	"1/32":  0.125,
	"1/4t":  2.0 / 3.0,
	"1/8t":  1.0 / 3.0,
	"1/16t": 0.5 / 3.0,
	"1/32t": 0.25 / 3.0,
	"1/4d":  1.0 * 3.0 / 2.0,
	"1/8d":  0.5 * 3.0 / 2.0,
	"1/16d": 0.25 * 3.0 / 2.0,
}

var rateNames = []string{"1/2", "1/4", "1/8", "1/16", "1/32", "1/4t", "1/8t", "1/16t", "1/32t", "1/4d", "1/8d", "1/16d"}

// BeatFraction returns the length of the named rate in quarter notes.
func BeatFraction(rate string) (float64, bool) {
	f, ok := rates[rate]
	return f, ok
}
