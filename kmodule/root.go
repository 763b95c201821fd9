package kmodule

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/birdayz/flowvm/kwire"
)

// RootDef declares a root module type over instance type T. Root modules
// are the entry points an external actor uses to inject signals and to
// publish data through root memory.
type RootDef[T any] struct {
	Name     string
	New      func(*RootPorts) *T
	Exits    []string
	Memories []MemoryPort
}

// RootType is the manager of one root module type. Its Key is the
// reflect.Type of *T and is unique per process.
type RootType struct {
	name     string
	key      reflect.Type
	exits    []string
	memories []MemoryPort
	create   func(*RootPorts) any
}

// DefineRoot turns a typed definition into a RootType.
func DefineRoot[T any](d RootDef[T]) *RootType {
	return &RootType{
		name:     d.Name,
		key:      reflect.TypeFor[*T](),
		exits:    append([]string(nil), d.Exits...),
		memories: append([]MemoryPort(nil), d.Memories...),
		create: func(p *RootPorts) any {
			return d.New(p)
		},
	}
}

func (t *RootType) Name() string { return t.name }
func (t *RootType) Key() reflect.Type { return t.key }
func (t *RootType) Exits() []string { return t.exits }
func (t *RootType) Memories() []MemoryPort { return t.memories }

// ExitIndex returns the id of the named signal exit, or -1.
func (t *RootType) ExitIndex(name string) int {
	return indexOf(t.exits, name)
}

// Create builds the root instance around p.
func (t *RootType) Create(p *RootPorts) (any, error) {
	inst := t.create(p)
	if inst == nil {
		return nil, fmt.Errorf("root type %q: constructor returned nil", t.name)
	}
	return inst, nil
}

// RootPorts is what a root instance sees of the engine: its memory cells,
// a way to fire its signal exits and the lock that guards its memories.
// The external actor writes root memory under Lock; logic modules read it
// under RLock.
type RootPorts struct {
	mu       sync.RWMutex
	memories []*Cell
	base     FlowID
	exits    int
	signal   func(FlowID)
}

// NewRootPorts creates ports for a root module whose signal exits occupy
// flow ids [base, base+exits). signal injects a flow into the engine.
func NewRootPorts(memories int, base FlowID, exits int, signal func(FlowID)) *RootPorts {
	return &RootPorts{
		memories: make([]*Cell, memories),
		base:     base,
		exits:    exits,
		signal:   signal,
	}
}

// NewCell creates memory cell i guarded by the root lock.
func (p *RootPorts) NewCell(i int, m Memory, t *MemoryType) *Cell {
	c := NewCell(m, t, kwire.PositionRoot, &p.mu)
	p.memories[i] = c
	return c
}

// Memory returns memory exit i, or nil if the project left it unset.
func (p *RootPorts) Memory(i int) *Cell {
	return cellAt(p.memories, i)
}

// Signal fires signal exit i. Unknown exits are ignored.
func (p *RootPorts) Signal(i int) {
	if i < 0 || i >= p.exits || p.signal == nil {
		return
	}
	p.signal(p.base + FlowID(i))
}

// FlowID returns the engine-wide flow id of signal exit i.
func (p *RootPorts) FlowID(i int) FlowID {
	if i < 0 || i >= p.exits {
		return Nowhere
	}
	return p.base + FlowID(i)
}

func (p *RootPorts) Lock() { p.mu.Lock() }
func (p *RootPorts) Unlock() { p.mu.Unlock() }
func (p *RootPorts) RLock() { p.mu.RLock() }
func (p *RootPorts) RUnlock() { p.mu.RUnlock() }
