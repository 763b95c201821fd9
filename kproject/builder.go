// Package kproject builds wire-format projects by name.
//
// A Builder resolves type names and port names against a registry, so a
// program can be written in terms of "increment.entry" instead of raw ids.
// Errors are sticky: the first failure is kept and returned by Build, and
// every later call is ignored.
package kproject

import (
	"errors"
	"fmt"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
)

var (
	ErrUnknownPort   = errors.New("unknown port")
	ErrForeignHandle = errors.New("handle belongs to another scheme")
)

// Builder assembles a kwire.Project.
type Builder struct {
	reg *kregistry.Registry
	err error

	project kwire.Project

	memoryTypes map[string]uint32
	rootTypes   map[string]uint32
	logicTypes  map[string]uint32

	rootExits    uint32
	rootMemories uint32

	templates []*SchemeBuilder
	schemes   []*SchemeBuilder
}

// New creates a builder resolving names against reg.
func New(reg *kregistry.Registry) *Builder {
	return &Builder{
		reg:         reg,
		memoryTypes: map[string]uint32{},
		rootTypes:   map[string]uint32{},
		logicTypes:  map[string]uint32{},
	}
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error {
	return b.err
}

func intern(table map[string]uint32, names *[]string, name string) uint32 {
	if id, ok := table[name]; ok {
		return id
	}
	id := uint32(len(*names))
	*names = append(*names, name)
	table[name] = id
	return id
}

func (b *Builder) memoryType(name string) (uint32, bool) {
	if _, _, err := b.reg.MemoryByName(name); err != nil {
		b.fail(err)
		return 0, false
	}
	return intern(b.memoryTypes, &b.project.MemoryTypes, name), true
}

// Global declares a global memory cell.
func (b *Builder) Global(typeName string, initial []byte) Mem {
	id, ok := b.memoryType(typeName)
	if !ok {
		return Mem{}
	}
	idx := uint32(len(b.project.Globals))
	b.project.Globals = append(b.project.Globals, kwire.MemoryModule{Type: id, Initial: initial})
	return Mem{pos: kwire.PositionGlobal, target: idx}
}

// Const declares a constant memory cell.
func (b *Builder) Const(typeName string, initial []byte) Mem {
	id, ok := b.memoryType(typeName)
	if !ok {
		return Mem{}
	}
	idx := uint32(len(b.project.Constants))
	b.project.Constants = append(b.project.Constants, kwire.MemoryModule{Type: id, Initial: initial})
	return Mem{pos: kwire.PositionConstant, target: idx}
}

// Root declares the root module of the named type.
func (b *Builder) Root(typeName string) Root {
	_, rt, err := b.reg.RootByName(typeName)
	if err != nil {
		b.fail(err)
		return Root{}
	}
	if _, dup := b.rootTypes[typeName]; dup {
		b.fail(fmt.Errorf("root %q declared twice", typeName))
		return Root{}
	}
	id := intern(b.rootTypes, &b.project.RootTypes, typeName)
	r := Root{
		b:        b,
		index:    len(b.project.RootModules),
		typ:      rt,
		exitBase: b.rootExits,
		memBase:  b.rootMemories,
	}
	b.project.RootModules = append(b.project.RootModules, kwire.RootModule{Type: id})
	b.rootExits += uint32(len(rt.Exits()))
	b.rootMemories += uint32(len(rt.Memories()))
	return r
}

// Template declares a custom-module template.
func (b *Builder) Template(name string) *SchemeBuilder {
	s := newSchemeBuilder(b, name, len(b.templates))
	b.templates = append(b.templates, s)
	return s
}

// Scheme declares a top-level scheme.
func (b *Builder) Scheme(name string) *SchemeBuilder {
	s := newSchemeBuilder(b, name, -1)
	b.schemes = append(b.schemes, s)
	return s
}

// Debug attaches an opaque debug blob.
func (b *Builder) Debug(blob []byte) *Builder {
	b.project.Debug = blob
	return b
}

// Build returns the assembled project or the first error.
func (b *Builder) Build() (*kwire.Project, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.project
	p.Templates = make([]kwire.Scheme, len(b.templates))
	for i, s := range b.templates {
		p.Templates[i] = s.rec
	}
	p.Schemes = make([]kwire.Scheme, len(b.schemes))
	for i, s := range b.schemes {
		p.Schemes[i] = s.rec
	}
	return &p, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *kwire.Project {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes builds and encodes the project.
func (b *Builder) Bytes() ([]byte, error) {
	p, err := b.Build()
	if err != nil {
		return nil, err
	}
	return kwire.Encode(p), nil
}

// Mem refers to a memory cell from inside a scheme. Scheme and boundary
// refs are only valid in the scheme that created them.
type Mem struct {
	pos    kwire.Position
	target uint32
	owner  *SchemeBuilder
}

// Root is a declared root module.
type Root struct {
	b        *Builder
	index    int
	typ      *kmodule.RootType
	exitBase uint32
	memBase  uint32
}

// Exit returns the named root signal exit.
func (r Root) Exit(name string) Exit {
	if r.b == nil {
		return Exit{}
	}
	i := r.typ.ExitIndex(name)
	if i < 0 {
		r.b.fail(fmt.Errorf("%w: root %q has no exit %q", ErrUnknownPort, r.typ.Name(), name))
		return Exit{}
	}
	return Exit{kind: exitRoot, port: r.exitBase + uint32(i), valid: true}
}

func (r Root) memoryIndex(name string) (int, bool) {
	for i, m := range r.typ.Memories() {
		if m.Name == name {
			return i, true
		}
	}
	r.b.fail(fmt.Errorf("%w: root %q has no memory %q", ErrUnknownPort, r.typ.Name(), name))
	return 0, false
}

// Memory fills the named memory exit with a fresh cell of typeName and
// returns a reference to it.
func (r Root) Memory(name, typeName string, initial []byte) Mem {
	if r.b == nil {
		return Mem{}
	}
	i, ok := r.memoryIndex(name)
	if !ok {
		return Mem{}
	}
	id, ok := r.b.memoryType(typeName)
	if !ok {
		return Mem{}
	}
	rm := &r.b.project.RootModules[r.index]
	rm.Memories = append(rm.Memories, kwire.RootMemory{ExitID: uint32(i), Type: id, Initial: initial})
	return Mem{pos: kwire.PositionRoot, target: r.memBase + uint32(i)}
}

// MemoryRef refers to the named memory exit without filling it.
func (r Root) MemoryRef(name string) Mem {
	if r.b == nil {
		return Mem{}
	}
	i, ok := r.memoryIndex(name)
	if !ok {
		return Mem{}
	}
	return Mem{pos: kwire.PositionRoot, target: r.memBase + uint32(i)}
}

type exitKind uint8

const (
	exitRoot exitKind = iota
	exitLogic
	exitCustom
)

// Exit is the source of a signal edge.
type Exit struct {
	kind   exitKind
	module uint32
	port   uint32
	owner  *SchemeBuilder
	valid  bool
}

// Target is the destination of a signal edge.
type Target struct {
	t     kwire.Target
	owner *SchemeBuilder
	valid bool
}
