package kmodule

import (
	"fmt"
	"io"
)

// MemoryPort declares a memory slot. An empty Type accepts any memory type.
type MemoryPort struct {
	Name string
	Type string
}

// Layout lists the named slots of a logic type. Slot ids are indices.
type Layout struct {
	Entries          []string
	Exits            []string
	MemoryEntries    []MemoryPort
	MemoryExits      []MemoryPort
	MemoryEntryExits []MemoryPort
}

// EntryIndex returns the id of the named signal entry, or -1.
func (l Layout) EntryIndex(name string) int {
	return indexOf(l.Entries, name)
}

// ExitIndex returns the id of the named signal exit, or -1.
func (l Layout) ExitIndex(name string) int {
	return indexOf(l.Exits, name)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// Entry is one signal entry of a logic type together with its behaviour.
type Entry[T any] struct {
	Name string
	Run  func(*T) FlowID
}

// LogicDef declares a logic module type over instance type T.
type LogicDef[T any] struct {
	Name string

	// New builds an instance around its fully wired ports.
	New func(*Ports) *T
	// Close is optional; when nil and *T implements io.Closer, Close is
	// called instead.
	Close func(*T) error

	Entries          []Entry[T]
	Exits            []string
	MemoryEntries    []MemoryPort
	MemoryExits      []MemoryPort
	MemoryEntryExits []MemoryPort
}

// Logic is a logic module instance.
type Logic any

// LogicType is the manager of one logic module type. The per-entry
// callbacks are boxed once, when the type is defined.
type LogicType struct {
	name      string
	layout    Layout
	create    func(*Ports) Logic
	destroy   func(Logic) error
	callbacks []func(Logic) FlowID
}

// DefineLogic turns a typed definition into a LogicType.
func DefineLogic[T any](d LogicDef[T]) *LogicType {
	entries := make([]string, len(d.Entries))
	callbacks := make([]func(Logic) FlowID, len(d.Entries))
	for i, e := range d.Entries {
		entries[i] = e.Name
		run := e.Run
		callbacks[i] = func(l Logic) FlowID {
			return run(l.(*T))
		}
	}

	closeFn := d.Close
	return &LogicType{
		name: d.Name,
		layout: Layout{
			Entries:          entries,
			Exits:            append([]string(nil), d.Exits...),
			MemoryEntries:    append([]MemoryPort(nil), d.MemoryEntries...),
			MemoryExits:      append([]MemoryPort(nil), d.MemoryExits...),
			MemoryEntryExits: append([]MemoryPort(nil), d.MemoryEntryExits...),
		},
		create: func(p *Ports) Logic {
			return d.New(p)
		},
		destroy: func(l Logic) error {
			t := l.(*T)
			if closeFn != nil {
				return closeFn(t)
			}
			if c, ok := any(t).(io.Closer); ok {
				return c.Close()
			}
			return nil
		},
		callbacks: callbacks,
	}
}

func (t *LogicType) Name() string {
	return t.name
}

// Layout returns the slot layout. The result must not be modified.
func (t *LogicType) Layout() Layout {
	return t.layout
}

// Create builds an instance from wired ports.
func (t *LogicType) Create(p *Ports) (Logic, error) {
	l := t.create(p)
	if l == nil {
		return nil, fmt.Errorf("logic type %q: constructor returned nil", t.name)
	}
	return l, nil
}

// Destroy releases an instance created by Create.
func (t *LogicType) Destroy(l Logic) error {
	return t.destroy(l)
}

// Callback binds signal entry to instance l.
func (t *LogicType) Callback(entry int, l Logic) (Callback, bool) {
	if entry < 0 || entry >= len(t.callbacks) {
		return nil, false
	}
	cb := t.callbacks[entry]
	return func() FlowID { return cb(l) }, true
}

// FlowSlot returns the flow bound to exit in p.
func (t *LogicType) FlowSlot(exit int, p *Ports) FlowID {
	return p.Exit(exit)
}

func (t *LogicType) MemoryEntrySlot(id int, p *Ports) *Cell {
	return p.MemoryEntry(id)
}

func (t *LogicType) MemoryExitSlot(id int, p *Ports) *Cell {
	return p.MemoryExit(id)
}

func (t *LogicType) MemoryEntryExitSlot(id int, p *Ports) *Cell {
	return p.MemoryEntryExit(id)
}
