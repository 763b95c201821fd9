package kproject

import (
	"fmt"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

// SchemeBuilder assembles one scheme or template record.
type SchemeBuilder struct {
	b        *Builder
	rec      kwire.Scheme
	template int // index in Builder.templates, -1 for top-level schemes

	layouts   []kmodule.Layout
	templates []*SchemeBuilder
}

func newSchemeBuilder(b *Builder, name string, template int) *SchemeBuilder {
	return &SchemeBuilder{
		b:        b,
		template: template,
		rec: kwire.Scheme{
			Name:              name,
			LogicSignalExits:  map[uint32][]kwire.SignalEdge{},
			CustomSignalExits: map[uint32][]kwire.SignalEdge{},
			LogicMemories:     map[uint32]kwire.LogicMemories{},
			CustomMemories:    map[uint32][]kwire.MemoryRef{},
		},
	}
}

func (s *SchemeBuilder) Name() string {
	return s.rec.Name
}

// Memory declares a scheme-local memory cell.
func (s *SchemeBuilder) Memory(typeName string, initial []byte) Mem {
	id, ok := s.b.memoryType(typeName)
	if !ok {
		return Mem{}
	}
	idx := uint32(len(s.rec.MemoryModules))
	s.rec.MemoryModules = append(s.rec.MemoryModules, kwire.MemoryModule{Type: id, Initial: initial})
	return Mem{pos: kwire.PositionScheme, target: idx, owner: s}
}

// Logic adds a logic module of the named type.
func (s *SchemeBuilder) Logic(typeName string) Logic {
	_, lt, err := s.b.reg.LogicByName(typeName)
	if err != nil {
		s.b.fail(err)
		return Logic{}
	}
	id := intern(s.b.logicTypes, &s.b.project.LogicTypes, typeName)
	idx := uint32(len(s.rec.LogicModules))
	s.rec.LogicModules = append(s.rec.LogicModules, id)
	s.layouts = append(s.layouts, lt.Layout())
	return Logic{s: s, id: idx, typeName: typeName}
}

// Custom adds a custom module instantiating tmpl.
func (s *SchemeBuilder) Custom(tmpl *SchemeBuilder) Custom {
	if tmpl == nil || tmpl.b != s.b || tmpl.template < 0 {
		s.b.fail(fmt.Errorf("scheme %q: custom module needs a template of the same project", s.rec.Name))
		return Custom{}
	}
	idx := uint32(len(s.rec.CustomModules))
	s.rec.CustomModules = append(s.rec.CustomModules, uint32(tmpl.template))
	s.templates = append(s.templates, tmpl)
	return Custom{s: s, id: idx}
}

// Inputs declares the template's signal entries, in port order.
func (s *SchemeBuilder) Inputs(targets ...Target) *SchemeBuilder {
	for _, t := range targets {
		if !s.own(t.owner, t.valid) {
			return s
		}
		s.rec.InputPorts = append(s.rec.InputPorts, t.t)
	}
	return s
}

// Outputs sets the number of the template's signal exits.
func (s *SchemeBuilder) Outputs(n int) *SchemeBuilder {
	s.rec.OutputPorts = uint32(n)
	return s
}

// MemoryPorts sets the number of the template's memory ports.
func (s *SchemeBuilder) MemoryPorts(n int) *SchemeBuilder {
	s.rec.MemoryPorts = uint32(n)
	return s
}

// Output returns a target that leaves the template through output port.
func (s *SchemeBuilder) Output(port int) Target {
	return Target{t: kwire.BoundaryTarget(uint32(port)), owner: s, valid: true}
}

// Boundary refers to the memory bound to the template's memory port.
func (s *SchemeBuilder) Boundary(port int) Mem {
	return Mem{pos: kwire.PositionBoundary, target: uint32(port), owner: s}
}

func (s *SchemeBuilder) own(owner *SchemeBuilder, valid bool) bool {
	if !valid {
		if s.b.err == nil {
			s.b.fail(fmt.Errorf("scheme %q: invalid handle", s.rec.Name))
		}
		return false
	}
	if owner != nil && owner != s {
		s.b.fail(fmt.Errorf("%w: %q used in %q", ErrForeignHandle, owner.rec.Name, s.rec.Name))
		return false
	}
	return true
}

// Connect adds a signal edge from exit to target.
func (s *SchemeBuilder) Connect(from Exit, to Target) *SchemeBuilder {
	if !s.own(from.owner, from.valid) || !s.own(to.owner, to.valid) {
		return s
	}
	edge := kwire.SignalEdge{Exit: from.port, Target: to.t}
	switch from.kind {
	case exitRoot:
		s.rec.RootSignalExits = append(s.rec.RootSignalExits, edge)
	case exitLogic:
		s.rec.LogicSignalExits[from.module] = append(s.rec.LogicSignalExits[from.module], edge)
	case exitCustom:
		s.rec.CustomSignalExits[from.module] = append(s.rec.CustomSignalExits[from.module], edge)
	}
	return s
}

// Chain connects each logic module's first exit to the next module's first
// entry.
func (s *SchemeBuilder) Chain(mods ...Logic) *SchemeBuilder {
	for i := 1; i < len(mods); i++ {
		s.Connect(mods[i-1].ExitAt(0), mods[i].EntryAt(0))
	}
	return s
}

func (s *SchemeBuilder) memRef(slot int, m Mem) (kwire.MemoryRef, bool) {
	if m.owner != nil && m.owner != s {
		s.b.fail(fmt.Errorf("%w: memory of %q used in %q", ErrForeignHandle, m.owner.rec.Name, s.rec.Name))
		return kwire.MemoryRef{}, false
	}
	return kwire.MemoryRef{Slot: uint32(slot), Position: m.pos, Target: m.target}, true
}

// Logic is a logic module of one scheme.
type Logic struct {
	s        *SchemeBuilder
	id       uint32
	typeName string
}

func (l Logic) ID() uint32 { return l.id }

func (l Logic) layout() kmodule.Layout {
	return l.s.layouts[l.id]
}

func (l Logic) unknown(kind, name string) {
	l.s.b.fail(fmt.Errorf("%w: logic %q has no %s %q", ErrUnknownPort, l.typeName, kind, name))
}

// Entry returns the named signal entry.
func (l Logic) Entry(name string) Target {
	if l.s == nil {
		return Target{}
	}
	i := l.layout().EntryIndex(name)
	if i < 0 {
		l.unknown("entry", name)
		return Target{}
	}
	return l.EntryAt(i)
}

// EntryAt returns signal entry i without checking the layout.
func (l Logic) EntryAt(i int) Target {
	if l.s == nil {
		return Target{}
	}
	return Target{t: kwire.LogicTarget(l.id, uint32(i)), owner: l.s, valid: true}
}

// Exit returns the named signal exit.
func (l Logic) Exit(name string) Exit {
	if l.s == nil {
		return Exit{}
	}
	i := l.layout().ExitIndex(name)
	if i < 0 {
		l.unknown("exit", name)
		return Exit{}
	}
	return l.ExitAt(i)
}

// ExitAt returns signal exit i without checking the layout.
func (l Logic) ExitAt(i int) Exit {
	if l.s == nil {
		return Exit{}
	}
	return Exit{kind: exitLogic, module: l.id, port: uint32(i), owner: l.s, valid: true}
}

func memoryIndex(ports []kmodule.MemoryPort, name string) int {
	for i, p := range ports {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (l Logic) bind(kind string, ports []kmodule.MemoryPort, name string, m Mem, add func(*kwire.LogicMemories, kwire.MemoryRef)) Logic {
	if l.s == nil {
		return l
	}
	i := memoryIndex(ports, name)
	if i < 0 {
		l.unknown(kind, name)
		return l
	}
	ref, ok := l.s.memRef(i, m)
	if !ok {
		return l
	}
	lm := l.s.rec.LogicMemories[l.id]
	add(&lm, ref)
	l.s.rec.LogicMemories[l.id] = lm
	return l
}

// Reads binds the named memory entry to m.
func (l Logic) Reads(name string, m Mem) Logic {
	if l.s == nil {
		return l
	}
	return l.bind("memory entry", l.layout().MemoryEntries, name, m, func(lm *kwire.LogicMemories, r kwire.MemoryRef) {
		lm.Entries = append(lm.Entries, r)
	})
}

// Writes binds the named memory exit to m.
func (l Logic) Writes(name string, m Mem) Logic {
	if l.s == nil {
		return l
	}
	return l.bind("memory exit", l.layout().MemoryExits, name, m, func(lm *kwire.LogicMemories, r kwire.MemoryRef) {
		lm.Exits = append(lm.Exits, r)
	})
}

// Updates binds the named memory entry-exit to m.
func (l Logic) Updates(name string, m Mem) Logic {
	if l.s == nil {
		return l
	}
	return l.bind("memory entry-exit", l.layout().MemoryEntryExits, name, m, func(lm *kwire.LogicMemories, r kwire.MemoryRef) {
		lm.EntryExits = append(lm.EntryExits, r)
	})
}

// Custom is a custom module of one scheme.
type Custom struct {
	s  *SchemeBuilder
	id uint32
}

func (c Custom) ID() uint32 { return c.id }

func (c Custom) tmpl() *SchemeBuilder {
	return c.s.templates[c.id]
}

// Input returns input port i of the custom module.
func (c Custom) Input(i int) Target {
	if c.s == nil {
		return Target{}
	}
	return Target{t: kwire.CustomTarget(c.id, uint32(i)), owner: c.s, valid: true}
}

// Output returns output port i of the custom module.
func (c Custom) Output(i int) Exit {
	if c.s == nil {
		return Exit{}
	}
	return Exit{kind: exitCustom, module: c.id, port: uint32(i), owner: c.s, valid: true}
}

// Bind binds memory port i of the custom module to m. The template's
// MemoryPorts must already be set.
func (c Custom) Bind(i int, m Mem) Custom {
	if c.s == nil {
		return c
	}
	if i < 0 || uint32(i) >= c.tmpl().rec.MemoryPorts {
		c.s.b.fail(fmt.Errorf("%w: template %q has no memory port %d", ErrUnknownPort, c.tmpl().rec.Name, i))
		return c
	}
	ref, ok := c.s.memRef(i, m)
	if !ok {
		return c
	}
	c.s.rec.CustomMemories[c.id] = append(c.s.rec.CustomMemories[c.id], ref)
	return c
}
