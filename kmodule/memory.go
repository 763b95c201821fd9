package kmodule

import (
	"encoding"
	"fmt"
	"io"
	"sync"

	"github.com/birdayz/flowvm/kwire"
)

// Memory is a memory module instance. Types that accept initial content
// implement encoding.BinaryUnmarshaler; types that can be snapshotted
// implement encoding.BinaryMarshaler.
type Memory any

// MemoryType is the manager of one memory module type.
type MemoryType struct {
	name  string
	newFn func() Memory
}

// DefineMemory creates a memory type. newFn must return a fresh, zeroed
// instance on every call, typically a pointer.
func DefineMemory(name string, newFn func() Memory) *MemoryType {
	return &MemoryType{name: name, newFn: newFn}
}

func (t *MemoryType) Name() string {
	return t.name
}

// Create allocates an instance and loads initial into it.
func (t *MemoryType) Create(initial []byte) (Memory, error) {
	m := t.newFn()
	if m == nil {
		return nil, fmt.Errorf("memory type %q: constructor returned nil", t.name)
	}
	if len(initial) == 0 {
		return m, nil
	}
	u, ok := m.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("memory type %q cannot load initial content: %w", t.name, ErrNotImplemented)
	}
	if err := u.UnmarshalBinary(initial); err != nil {
		return nil, fmt.Errorf("memory type %q: load initial content: %w", t.name, err)
	}
	return m, nil
}

// Destroy releases m. Instances implementing io.Closer are closed.
func (t *MemoryType) Destroy(m Memory) error {
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Snapshot serializes m with its binary contract.
func (t *MemoryType) Snapshot(m Memory) ([]byte, error) {
	b, ok := m.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("memory type %q cannot be read: %w", t.name, ErrNotImplemented)
	}
	return b.MarshalBinary()
}

// Cell is one memory instance as seen through a memory slot. Several
// slots may point to the same cell. Global cells carry their own lock and
// root cells share their root module's lock; scheme and constant cells
// have none and their lock methods are no-ops. The engine never takes a
// cell lock on behalf of a module.
type Cell struct {
	Memory   Memory
	Type     *MemoryType
	Position kwire.Position

	lock *sync.RWMutex
}

// NewCell wraps m. lock may be nil.
func NewCell(m Memory, t *MemoryType, pos kwire.Position, lock *sync.RWMutex) *Cell {
	return &Cell{Memory: m, Type: t, Position: pos, lock: lock}
}

// Lock takes the cell's exclusive lock, if it has one.
func (c *Cell) Lock() {
	if c.lock != nil {
		c.lock.Lock()
	}
}

func (c *Cell) Unlock() {
	if c.lock != nil {
		c.lock.Unlock()
	}
}

// RLock takes the cell's shared lock, if it has one.
func (c *Cell) RLock() {
	if c.lock != nil {
		c.lock.RLock()
	}
}

func (c *Cell) RUnlock() {
	if c.lock != nil {
		c.lock.RUnlock()
	}
}

// Guarded reports whether the cell carries a lock.
func (c *Cell) Guarded() bool {
	return c.lock != nil
}

// TypeName returns the memory type name, or "" for a nil cell.
func (c *Cell) TypeName() string {
	if c == nil || c.Type == nil {
		return ""
	}
	return c.Type.name
}

// As returns the cell's memory as T. It reports false for a nil
// (unwired) cell or a memory of another type.
func As[T any](c *Cell) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.Memory.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
