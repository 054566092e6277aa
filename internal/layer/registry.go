package layer

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownLayer is returned when no creator is registered for a type.
var ErrUnknownLayer = errors.New("layer: unknown type")

// Type indices of the built-in layers. The numbering is shared with model
// files and must not change.
const (
	IndexSoftmax = 32
	IndexPadding = 43
)

// Creator builds a fresh layer with its capability flags set.
type Creator func() Layer

// Entry binds a type name and index to a creator.
type Entry struct {
	Name   string
	Index  int
	Create Creator
}

// Registry maps layer type names and indices to creators. It is immutable
// once built, so lookups need no locking.
type Registry struct {
	entries []Entry
	byName  map[string]int
	byIndex map[int]int
}

// NewRegistry builds a registry, rejecting duplicate names or indices.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(entries)),
		byName:  make(map[string]int, len(entries)),
		byIndex: make(map[int]int, len(entries)),
	}
	for _, e := range entries {
		if e.Name == "" || e.Create == nil || e.Index < 0 {
			return nil, fmt.Errorf("layer: invalid registry entry %q (%d)", e.Name, e.Index)
		}
		if _, ok := r.byName[e.Name]; ok {
			return nil, fmt.Errorf("layer: duplicate type name %q", e.Name)
		}
		if _, ok := r.byIndex[e.Index]; ok {
			return nil, fmt.Errorf("layer: duplicate type index %d", e.Index)
		}
		r.byName[e.Name] = len(r.entries)
		r.byIndex[e.Index] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	slices.SortFunc(r.entries, func(a, b Entry) int { return a.Index - b.Index })
	for i, e := range r.entries {
		r.byName[e.Name] = i
		r.byIndex[e.Index] = i
	}
	return r, nil
}

// Create builds a layer by type name.
func (r *Registry) Create(name string) (Layer, error) {
	i, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return r.build(r.entries[i]), nil
}

// CreateIndex builds a layer by type index.
func (r *Registry) CreateIndex(index int) (Layer, error) {
	i, ok := r.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownLayer, index)
	}
	return r.build(r.entries[i]), nil
}

// Index returns the type index registered for name, or -1.
func (r *Registry) Index(name string) int {
	i, ok := r.byName[name]
	if !ok {
		return -1
	}
	return r.entries[i].Index
}

// Entries returns the registered entries ordered by index.
func (r *Registry) Entries() []Entry {
	return slices.Clone(r.entries)
}

func (r *Registry) build(e Entry) Layer {
	l := e.Create()
	info := l.Info()
	info.Type = e.Name
	info.TypeIndex = e.Index
	return l
}

// Default holds the built-in layers.
var Default = mustRegistry(
	Entry{Name: "Softmax", Index: IndexSoftmax, Create: NewSoftmax},
	Entry{Name: "Padding", Index: IndexPadding, Create: NewPadding},
)

func mustRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// CreateLayer builds a built-in layer by type name.
func CreateLayer(name string) (Layer, error) { return Default.Create(name) }

// CreateLayerIndex builds a built-in layer by type index.
func CreateLayerIndex(index int) (Layer, error) { return Default.CreateIndex(index) }

// LayerToIndex returns the type index of a built-in layer, or -1.
func LayerToIndex(name string) int { return Default.Index(name) }
