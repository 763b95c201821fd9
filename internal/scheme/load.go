package scheme

import (
	"fmt"
	"maps"
	"slices"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

// entryKey is a signal entry of one logic module in one instance.
type entryKey struct {
	inst  int
	logic uint32
	entry uint32
}

type rootBinding struct {
	exit uint32
	key  entryKey
}

type loader struct {
	env *Env
	s   *Scheme

	// flows maps every targeted entry to its flow id. Ids start after the
	// root exit range.
	flows   map[entryKey]kmodule.FlowID
	targets []entryKey
	roots   []rootBinding
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	return slices.Sorted(maps.Keys(m))
}

// instantiate creates the memory and logic modules of rec and recurses into
// its custom modules. stack holds the templates on the current path.
func (l *loader) instantiate(rec *kwire.Scheme, parent int, parentModule uint32, template int, stack []int) error {
	if len(stack) > l.env.MaxNesting {
		return fmt.Errorf("%w: custom modules nested deeper than %d", ErrInvalidReference, l.env.MaxNesting)
	}

	idx := len(l.s.instances)
	in := &instance{
		rec:          rec,
		parent:       parent,
		parentModule: parentModule,
		template:     template,
	}
	l.s.instances = append(l.s.instances, in)

	for i, mm := range rec.MemoryModules {
		if int(mm.Type) >= len(l.env.MemoryTypes) {
			return fmt.Errorf("%w: memory module %d has type id %d", ErrUnknownType, i, mm.Type)
		}
		t := l.env.MemoryTypes[mm.Type]
		m, err := t.Create(mm.Initial)
		if err != nil {
			return fmt.Errorf("memory module %d: %w", i, err)
		}
		in.memories = append(in.memories, kmodule.NewCell(m, t, kwire.PositionScheme, nil))
	}

	for i, typeID := range rec.LogicModules {
		if int(typeID) >= len(l.env.LogicTypes) {
			return fmt.Errorf("%w: logic module %d has type id %d", ErrUnknownType, i, typeID)
		}
		t := l.env.LogicTypes[typeID]
		in.logics = append(in.logics, &logic{
			typ:     t,
			builder: kmodule.NewPortsBuilder(t.Layout()),
		})
	}

	for i, tmpl := range rec.CustomModules {
		if int(tmpl) >= len(l.env.Templates) {
			return fmt.Errorf("%w: custom module %d uses template %d", ErrUnknownModule, i, tmpl)
		}
		if slices.Contains(stack, int(tmpl)) {
			return fmt.Errorf("%w: template %q contains itself", ErrInvalidReference, l.env.Templates[tmpl].Name)
		}
		in.customs = append(in.customs, len(l.s.instances))
		sub := &l.env.Templates[tmpl]
		if err := l.instantiate(sub, idx, uint32(i), int(tmpl), append(stack, int(tmpl))); err != nil {
			return fmt.Errorf("custom module %d (%s): %w", i, sub.Name, err)
		}
	}
	return nil
}

// link binds every exit and memory slot of every instance.
func (l *loader) link() error {
	usedRootExits := map[uint32]bool{}
	for i, in := range l.s.instances {
		if err := l.checkCustoms(i); err != nil {
			return err
		}

		for _, edge := range in.rec.RootSignalExits {
			if int(edge.Exit) >= l.env.RootExits {
				return fmt.Errorf("%w: root signal exit %d", ErrUnknownSignal, edge.Exit)
			}
			if usedRootExits[edge.Exit] {
				return fmt.Errorf("%w: root signal exit %d wired twice", ErrInvalidReference, edge.Exit)
			}
			usedRootExits[edge.Exit] = true
			key, ok, err := l.resolve(i, edge.Target)
			if err != nil {
				return fmt.Errorf("root signal exit %d: %w", edge.Exit, err)
			}
			if ok {
				l.roots = append(l.roots, rootBinding{exit: edge.Exit, key: key})
			}
		}

		for _, id := range sortedKeys(in.rec.LogicSignalExits) {
			if err := l.linkExits(i, id); err != nil {
				return err
			}
		}

		for _, id := range sortedKeys(in.rec.LogicMemories) {
			if err := l.linkMemories(i, id); err != nil {
				return err
			}
		}

		for port, t := range in.rec.InputPorts {
			if _, _, err := l.resolve(i, t); err != nil {
				return fmt.Errorf("input port %d of %q: %w", port, in.rec.Name, err)
			}
		}
	}
	return nil
}

// checkCustoms validates the edges and memory bindings attached to the
// custom modules of instance i. They are followed lazily while tracing.
func (l *loader) checkCustoms(i int) error {
	in := l.s.instances[i]
	for _, id := range sortedKeys(in.rec.CustomSignalExits) {
		if int(id) >= len(in.customs) {
			return fmt.Errorf("%w: custom module %d", ErrUnknownModule, id)
		}
		sub := l.s.instances[in.customs[id]].rec
		seen := map[uint32]bool{}
		for _, edge := range in.rec.CustomSignalExits[id] {
			if edge.Exit >= sub.OutputPorts {
				return fmt.Errorf("%w: custom module %d has no output port %d", ErrUnknownSignal, id, edge.Exit)
			}
			if seen[edge.Exit] {
				return fmt.Errorf("%w: output port %d of custom module %d wired twice", ErrInvalidReference, edge.Exit, id)
			}
			seen[edge.Exit] = true
		}
	}
	for _, id := range sortedKeys(in.rec.CustomMemories) {
		if int(id) >= len(in.customs) {
			return fmt.Errorf("%w: custom module %d", ErrUnknownModule, id)
		}
		sub := l.s.instances[in.customs[id]].rec
		seen := map[uint32]bool{}
		for _, ref := range in.rec.CustomMemories[id] {
			if ref.Slot >= sub.MemoryPorts {
				return fmt.Errorf("%w: custom module %d has no memory port %d", ErrUnknownMemory, id, ref.Slot)
			}
			if seen[ref.Slot] {
				return fmt.Errorf("%w: memory port %d of custom module %d bound twice", ErrInvalidReference, ref.Slot, id)
			}
			seen[ref.Slot] = true
			if _, err := l.memory(i, ref); err != nil {
				return fmt.Errorf("memory port %d of custom module %d: %w", ref.Slot, id, err)
			}
		}
	}
	return nil
}

func (l *loader) linkExits(i int, id uint32) error {
	in := l.s.instances[i]
	if int(id) >= len(in.logics) {
		return fmt.Errorf("%w: logic module %d", ErrUnknownModule, id)
	}
	lg := in.logics[id]
	layout := lg.typ.Layout()
	seen := map[uint32]bool{}
	for _, edge := range in.rec.LogicSignalExits[id] {
		if int(edge.Exit) >= len(layout.Exits) {
			return fmt.Errorf("%w: logic module %d (%s) has no exit %d", ErrUnknownSignal, id, lg.typ.Name(), edge.Exit)
		}
		if seen[edge.Exit] {
			return fmt.Errorf("%w: exit %d of logic module %d wired twice", ErrInvalidReference, edge.Exit, id)
		}
		seen[edge.Exit] = true

		key, ok, err := l.resolve(i, edge.Target)
		if err != nil {
			return fmt.Errorf("exit %s of logic module %d: %w", layout.Exits[edge.Exit], id, err)
		}
		if ok {
			lg.builder.SetExit(int(edge.Exit), l.flow(key))
		}
	}
	return nil
}

// flow returns the flow id of key, allocating one on first use.
func (l *loader) flow(key entryKey) kmodule.FlowID {
	if f, ok := l.flows[key]; ok {
		return f
	}
	f := kmodule.FlowID(l.env.RootExits + len(l.targets))
	l.flows[key] = f
	l.targets = append(l.targets, key)
	return f
}

type traceStep struct {
	inst int
	t    kwire.Target
}

// resolve follows t from instance i through custom module input ports
// (down) and template output ports (up) until it reaches a logic entry.
// A port that leads nowhere is legal and reports ok == false.
func (l *loader) resolve(i int, t kwire.Target) (key entryKey, ok bool, err error) {
	visited := map[traceStep]bool{}
	for {
		step := traceStep{inst: i, t: t}
		if visited[step] {
			return entryKey{}, false, fmt.Errorf("%w: signal loop through custom module ports", ErrInvalidReference)
		}
		visited[step] = true

		in := l.s.instances[i]
		switch t.Kind {
		case kwire.TargetLogic:
			if int(t.Module) >= len(in.logics) {
				return entryKey{}, false, fmt.Errorf("%w: logic module %d", ErrUnknownModule, t.Module)
			}
			lt := in.logics[t.Module].typ
			if int(t.Port) >= len(lt.Layout().Entries) {
				return entryKey{}, false, fmt.Errorf("%w: logic module %d (%s) has no entry %d", ErrUnknownSignal, t.Module, lt.Name(), t.Port)
			}
			return entryKey{inst: i, logic: t.Module, entry: t.Port}, true, nil

		case kwire.TargetCustom:
			if int(t.Module) >= len(in.customs) {
				return entryKey{}, false, fmt.Errorf("%w: custom module %d", ErrUnknownModule, t.Module)
			}
			sub := in.customs[t.Module]
			inputs := l.s.instances[sub].rec.InputPorts
			if int(t.Port) >= len(inputs) {
				return entryKey{}, false, fmt.Errorf("%w: custom module %d has no input port %d", ErrUnknownSignal, t.Module, t.Port)
			}
			i, t = sub, inputs[t.Port]

		case kwire.TargetBoundary:
			if in.parent < 0 {
				return entryKey{}, false, fmt.Errorf("%w: output port %d used outside a template", ErrInvalidReference, t.Port)
			}
			if t.Port >= in.rec.OutputPorts {
				return entryKey{}, false, fmt.Errorf("%w: template %q has no output port %d", ErrUnknownSignal, in.rec.Name, t.Port)
			}
			parent := l.s.instances[in.parent]
			next, found := findEdge(parent.rec.CustomSignalExits[in.parentModule], t.Port)
			if !found {
				return entryKey{}, false, nil
			}
			i, t = in.parent, next

		default:
			return entryKey{}, false, fmt.Errorf("%w: target kind %d", ErrInvalidReference, t.Kind)
		}
	}
}

func findEdge(edges []kwire.SignalEdge, exit uint32) (kwire.Target, bool) {
	for _, e := range edges {
		if e.Exit == exit {
			return e.Target, true
		}
	}
	return kwire.Target{}, false
}

func (l *loader) linkMemories(i int, id uint32) error {
	in := l.s.instances[i]
	if int(id) >= len(in.logics) {
		return fmt.Errorf("%w: logic module %d", ErrUnknownModule, id)
	}
	lg := in.logics[id]
	layout := lg.typ.Layout()
	mems := in.rec.LogicMemories[id]

	groups := []struct {
		kind  string
		ports []kmodule.MemoryPort
		refs  []kwire.MemoryRef
		write bool
		set   func(int, *kmodule.Cell)
	}{
		{"memory entry", layout.MemoryEntries, mems.Entries, false, lg.builder.SetMemoryEntry},
		{"memory exit", layout.MemoryExits, mems.Exits, true, lg.builder.SetMemoryExit},
		{"memory entry-exit", layout.MemoryEntryExits, mems.EntryExits, true, lg.builder.SetMemoryEntryExit},
	}
	for _, g := range groups {
		seen := map[uint32]bool{}
		for _, ref := range g.refs {
			if int(ref.Slot) >= len(g.ports) {
				return fmt.Errorf("%w: logic module %d (%s) has no %s %d", ErrUnknownMemory, id, lg.typ.Name(), g.kind, ref.Slot)
			}
			if seen[ref.Slot] {
				return fmt.Errorf("%w: %s %d of logic module %d bound twice", ErrInvalidReference, g.kind, ref.Slot, id)
			}
			seen[ref.Slot] = true

			c, err := l.memory(i, ref)
			if err != nil {
				return fmt.Errorf("%s %s of logic module %d: %w", g.kind, g.ports[ref.Slot].Name, id, err)
			}
			if g.write && c != nil && !writable(c.Position) {
				return fmt.Errorf("%w: %s %s of logic module %d (%s) is bound to %s memory",
					ErrInvalidPosition, g.kind, g.ports[ref.Slot].Name, id, lg.typ.Name(), c.Position)
			}
			if want := g.ports[ref.Slot].Type; c != nil && want != "" && c.TypeName() != want {
				return fmt.Errorf("%w: %s %s of logic module %d (%s) wants %q, got %q",
					ErrTypeMismatch, g.kind, g.ports[ref.Slot].Name, id, lg.typ.Name(), want, c.TypeName())
			}
			g.set(int(ref.Slot), c)
		}
	}
	return nil
}

// writable reports whether logic modules may write memory at pos.
// Constants are shared across loads and root memory belongs to its root
// module; both are read-only to logic.
func writable(pos kwire.Position) bool {
	return pos == kwire.PositionScheme || pos == kwire.PositionGlobal
}

// memory resolves ref as seen from instance i. A boundary reference whose
// custom module leaves the port unbound, or an unset root memory, yields
// nil.
func (l *loader) memory(i int, ref kwire.MemoryRef) (*kmodule.Cell, error) {
	in := l.s.instances[i]
	pick := func(cells []*kmodule.Cell) (*kmodule.Cell, error) {
		if int(ref.Target) >= len(cells) {
			return nil, fmt.Errorf("%w: %s memory %d", ErrUnknownMemory, ref.Position, ref.Target)
		}
		return cells[ref.Target], nil
	}

	switch ref.Position {
	case kwire.PositionScheme:
		return pick(in.memories)
	case kwire.PositionGlobal:
		return pick(l.env.Globals)
	case kwire.PositionRoot:
		return pick(l.env.Roots)
	case kwire.PositionConstant:
		return pick(l.env.Constants)
	case kwire.PositionBoundary:
		if in.parent < 0 {
			return nil, fmt.Errorf("%w: boundary memory outside a template", ErrInvalidPosition)
		}
		if ref.Target >= in.rec.MemoryPorts {
			return nil, fmt.Errorf("%w: template %q has no memory port %d", ErrUnknownMemory, in.rec.Name, ref.Target)
		}
		for _, outer := range l.s.instances[in.parent].rec.CustomMemories[in.parentModule] {
			if outer.Slot == ref.Target {
				return l.memory(in.parent, outer)
			}
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPosition, uint8(ref.Position))
	}
}

// build creates every logic instance from its wired ports and fills the
// callback table.
func (l *loader) build(poster kmodule.Poster) error {
	for i, in := range l.s.instances {
		for id, lg := range in.logics {
			inst, err := lg.typ.Create(lg.builder.Build(poster))
			lg.builder = nil
			if err != nil {
				return fmt.Errorf("instance %d logic module %d: %w", i, id, err)
			}
			lg.inst = inst
		}
	}

	table := make([]kmodule.Callback, l.env.RootExits+len(l.targets))
	for n, key := range l.targets {
		table[l.env.RootExits+n] = l.callback(key)
	}
	for _, rb := range l.roots {
		table[rb.exit] = l.callback(rb.key)
	}
	l.s.table = table
	return nil
}

func (l *loader) callback(key entryKey) kmodule.Callback {
	lg := l.s.instances[key.inst].logics[key.logic]
	cb, _ := lg.typ.Callback(int(key.entry), lg.inst)
	return cb
}
