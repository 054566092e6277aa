// Package param holds the scalar parameter store and the weight readers a
// layer consumes while loading.
package param

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrKind is reported when a key holds a value of an incompatible kind.
var ErrKind = errors.New("param: value kind mismatch")

// Kind identifies what a parameter slot holds.
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindInts
	KindFloats
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindInts:
		return "int array"
	case KindFloats:
		return "float array"
	default:
		return "none"
	}
}

type value struct {
	kind   Kind
	i      int
	f      float32
	b      bool
	s      string
	ints   []int
	floats []float32
}

// Dict maps small integer keys to parameter values. Missing keys always
// yield the caller's default; a present key of the wrong kind is recorded
// and surfaced through Err so LoadParam can fail once, after reading every
// field it needs.
type Dict struct {
	values map[int]value
	err    error

	// UseVulkanCompute asks layers to prepare GPU pipeline specialisations
	// while loading parameters.
	UseVulkanCompute bool
}

// New returns an empty Dict.
func New() *Dict {
	return &Dict{values: make(map[int]value)}
}

func (d *Dict) set(key int, v value) *Dict {
	if d.values == nil {
		d.values = make(map[int]value)
	}
	d.values[key] = v
	return d
}

func (d *Dict) SetInt(key, v int) *Dict { return d.set(key, value{kind: KindInt, i: v}) }

func (d *Dict) SetFloat(key int, v float32) *Dict {
	return d.set(key, value{kind: KindFloat, f: v})
}

func (d *Dict) SetBool(key int, v bool) *Dict { return d.set(key, value{kind: KindBool, b: v}) }

func (d *Dict) SetString(key int, v string) *Dict {
	return d.set(key, value{kind: KindString, s: v})
}

func (d *Dict) SetInts(key int, v []int) *Dict {
	return d.set(key, value{kind: KindInts, ints: append([]int(nil), v...)})
}

func (d *Dict) SetFloats(key int, v []float32) *Dict {
	return d.set(key, value{kind: KindFloats, floats: append([]float32(nil), v...)})
}

// Has reports whether key is present.
func (d *Dict) Has(key int) bool {
	_, ok := d.values[key]
	return ok
}

// KindOf returns the kind stored at key.
func (d *Dict) KindOf(key int) Kind {
	return d.values[key].kind
}

// Keys returns the present keys in ascending order.
func (d *Dict) Keys() []int {
	keys := make([]int, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Err returns the first kind mismatch seen by a getter, if any.
func (d *Dict) Err() error {
	return d.err
}

func (d *Dict) mismatch(key int, want Kind, got Kind) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: key %d holds %s, want %s", ErrKind, key, got, want)
	}
}

// Int returns the integer at key. Integral floats are accepted since decoded
// JSON does not distinguish the two.
func (d *Dict) Int(key, def int) int {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		if v.f == float32(math.Trunc(float64(v.f))) {
			return int(v.f)
		}
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	}
	d.mismatch(key, KindInt, v.kind)
	return def
}

// Float returns the float at key.
func (d *Dict) Float(key int, def float32) float32 {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float32(v.i)
	}
	d.mismatch(key, KindFloat, v.kind)
	return def
}

// Bool returns the boolean at key. Integers are read as non-zero.
func (d *Dict) Bool(key int, def bool) bool {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	}
	d.mismatch(key, KindBool, v.kind)
	return def
}

// String returns the string at key.
func (d *Dict) String(key int, def string) string {
	v, ok := d.values[key]
	if !ok {
		return def
	}
	if v.kind != KindString {
		d.mismatch(key, KindString, v.kind)
		return def
	}
	return v.s
}

// Ints returns the integer array at key, or nil when missing.
func (d *Dict) Ints(key int) []int {
	v, ok := d.values[key]
	if !ok {
		return nil
	}
	switch v.kind {
	case KindInts:
		return v.ints
	case KindInt:
		return []int{v.i}
	}
	d.mismatch(key, KindInts, v.kind)
	return nil
}

// Floats returns the float array at key, or nil when missing.
func (d *Dict) Floats(key int) []float32 {
	v, ok := d.values[key]
	if !ok {
		return nil
	}
	switch v.kind {
	case KindFloats:
		return v.floats
	case KindInts:
		out := make([]float32, len(v.ints))
		for i, x := range v.ints {
			out[i] = float32(x)
		}
		return out
	case KindFloat:
		return []float32{v.f}
	}
	d.mismatch(key, KindFloats, v.kind)
	return nil
}

// FromMap builds a Dict from decoded YAML or JSON values.
func FromMap(m map[int]any) (*Dict, error) {
	d := New()
	for k, raw := range m {
		if err := d.setAny(k, raw); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// FromStringMap is FromMap for maps keyed by decimal strings, as produced by
// JSON objects.
func FromStringMap(m map[string]any) (*Dict, error) {
	d := New()
	for ks, raw := range m {
		k, err := strconv.Atoi(ks)
		if err != nil {
			return nil, fmt.Errorf("param: key %q is not an integer", ks)
		}
		if err := d.setAny(k, raw); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// FromJSON decodes a JSON object keyed by parameter ids into a Dict.
func FromJSON(data []byte) (*Dict, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("param: decode: %w", err)
	}
	return FromStringMap(m)
}

func (d *Dict) setAny(key int, raw any) error {
	switch v := raw.(type) {
	case int:
		d.SetInt(key, v)
	case int64:
		d.SetInt(key, int(v))
	case uint64:
		d.SetInt(key, int(v))
	case float32:
		d.SetFloat(key, v)
	case float64:
		d.SetFloat(key, float32(v))
	case bool:
		d.SetBool(key, v)
	case string:
		d.SetString(key, v)
	case []any:
		return d.setArray(key, v)
	case []int:
		d.SetInts(key, v)
	case []float32:
		d.SetFloats(key, v)
	default:
		return fmt.Errorf("param: key %d has unsupported type %T", key, raw)
	}
	return nil
}

func (d *Dict) setArray(key int, items []any) error {
	ints := make([]int, 0, len(items))
	floats := make([]float32, 0, len(items))
	allInts := true
	for _, it := range items {
		switch v := it.(type) {
		case int:
			ints = append(ints, v)
			floats = append(floats, float32(v))
		case int64:
			ints = append(ints, int(v))
			floats = append(floats, float32(v))
		case float64:
			if v != math.Trunc(v) {
				allInts = false
			}
			ints = append(ints, int(v))
			floats = append(floats, float32(v))
		default:
			return fmt.Errorf("param: key %d has unsupported array element %T", key, it)
		}
	}
	if allInts {
		d.SetInts(key, ints)
	} else {
		d.SetFloats(key, floats)
	}
	return nil
}
