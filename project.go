package flowvm

import (
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/birdayz/flowvm/internal/execution"
	"github.com/birdayz/flowvm/internal/scheme"
	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
)

// project is one loaded project. It is immutable once published, apart
// from the state inside its workers and memories.
type project struct {
	id uuid.UUID

	roots     []*rootModule
	rootByKey map[reflect.Type]*rootModule

	// rootCells is indexed by flattened root memory id and may hold nils
	// for memory exits the project left unset.
	rootCells []*kmodule.Cell
	globals   []*kmodule.Cell
	constants []*kmodule.Cell

	schemes []loadedScheme
	tokens  chan struct{}

	// live gates root signals: roots may fire while the project is still
	// being built or torn down.
	live atomic.Bool
}

type rootModule struct {
	typ   *kmodule.RootType
	ports *kmodule.RootPorts
	inst  any
}

type loadedScheme struct {
	scheme *scheme.Scheme
	worker *execution.Worker
}

// typeTables holds the project's type names resolved against the
// registry.
type typeTables struct {
	memories  []*kmodule.MemoryType
	memoryIDs []kregistry.MemoryTypeID
	roots     []*kmodule.RootType
	logics    []*kmodule.LogicType
}

func (e *Engine) resolve(rec *kwire.Project) (*typeTables, error) {
	tt := &typeTables{}
	for _, name := range rec.MemoryTypes {
		id, t, err := e.reg.MemoryByName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: memory type %q", ErrUnknownType, name)
		}
		tt.memories = append(tt.memories, t)
		tt.memoryIDs = append(tt.memoryIDs, id)
	}
	for _, name := range rec.RootTypes {
		_, t, err := e.reg.RootByName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: root type %q", ErrUnknownType, name)
		}
		tt.roots = append(tt.roots, t)
	}
	for _, name := range rec.LogicTypes {
		_, t, err := e.reg.LogicByName(name)
		if err != nil {
			return nil, fmt.Errorf("%w: logic type %q", ErrUnknownType, name)
		}
		tt.logics = append(tt.logics, t)
	}
	return tt, nil
}

func (tt *typeTables) memory(id uint32) (*kmodule.MemoryType, error) {
	if int(id) >= len(tt.memories) {
		return nil, fmt.Errorf("%w: memory type id %d", ErrUnknownType, id)
	}
	return tt.memories[id], nil
}

// load builds a project from rec. Nothing it creates survives an error.
func (e *Engine) load(rec *kwire.Project) (p *project, err error) {
	tt, err := e.resolve(rec)
	if err != nil {
		return nil, err
	}

	p = &project{
		id:        uuid.New(),
		rootByKey: map[reflect.Type]*rootModule{},
	}
	defer func() {
		if err != nil {
			if derr := p.destroy(); derr != nil {
				e.log.Error("Failed to roll back project", "error", derr)
			}
			p = nil
		}
	}()

	if err := e.loadRoots(p, tt, rec); err != nil {
		return nil, err
	}

	for i, g := range rec.Globals {
		t, err := tt.memory(g.Type)
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		m, err := t.Create(g.Initial)
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		p.globals = append(p.globals, kmodule.NewCell(m, t, kwire.PositionGlobal, &sync.RWMutex{}))
	}

	for i, c := range rec.Constants {
		if int(c.Type) >= len(tt.memoryIDs) {
			return nil, fmt.Errorf("constant %d: %w: memory type id %d", i, ErrUnknownType, c.Type)
		}
		cell, err := e.reg.Constant(tt.memoryIDs[c.Type], c.Initial)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		p.constants = append(p.constants, cell)
	}

	rootExits := 0
	for _, r := range p.roots {
		rootExits += len(r.typ.Exits())
	}
	env := &scheme.Env{
		Log:         e.log,
		MemoryTypes: tt.memories,
		LogicTypes:  tt.logics,
		Templates:   rec.Templates,
		Globals:     p.globals,
		Roots:       p.rootCells,
		Constants:   p.constants,
		RootExits:   rootExits,
		MaxNesting:  e.maxNesting,
	}

	p.tokens = make(chan struct{}, len(rec.Schemes))
	for i := range rec.Schemes {
		srec := &rec.Schemes[i]
		w := execution.NewWorker(e.log, srec.Name, p.tokens, e.metrics.Scheme(srec.Name))
		s, err := scheme.Load(env, srec, w)
		if err != nil {
			return nil, err
		}
		w.Bind(s.Table())
		p.schemes = append(p.schemes, loadedScheme{scheme: s, worker: w})
	}
	return p, nil
}

// loadRoots creates the root modules in declaration order. Their signal
// exits and memory exits are numbered consecutively across modules.
func (e *Engine) loadRoots(p *project, tt *typeTables, rec *kwire.Project) error {
	var exitBase kmodule.FlowID
	for i, rm := range rec.RootModules {
		if int(rm.Type) >= len(tt.roots) {
			return fmt.Errorf("root %d: %w: root type id %d", i, ErrUnknownType, rm.Type)
		}
		typ := tt.roots[rm.Type]
		if _, dup := p.rootByKey[typ.Key()]; dup {
			return fmt.Errorf("%w: root type %q declared twice", ErrInvalidReference, typ.Name())
		}

		layout := typ.Memories()
		ports := kmodule.NewRootPorts(len(layout), exitBase, len(typ.Exits()), p.signal)
		r := &rootModule{typ: typ, ports: ports}
		// Registered before any memory is created so rollback finds them.
		p.roots = append(p.roots, r)
		p.rootByKey[typ.Key()] = r
		off := len(p.rootCells)
		p.rootCells = append(p.rootCells, make([]*kmodule.Cell, len(layout))...)

		for _, mem := range rm.Memories {
			if int(mem.ExitID) >= len(layout) {
				return fmt.Errorf("root %q: %w: memory exit %d", typ.Name(), ErrUnknownMemory, mem.ExitID)
			}
			if p.rootCells[off+int(mem.ExitID)] != nil {
				return fmt.Errorf("root %q: %w: memory exit %d set twice", typ.Name(), ErrInvalidReference, mem.ExitID)
			}
			mt, err := tt.memory(mem.Type)
			if err != nil {
				return fmt.Errorf("root %q: %w", typ.Name(), err)
			}
			port := layout[mem.ExitID]
			if port.Type != "" && port.Type != mt.Name() {
				return fmt.Errorf("root %q: %w: memory exit %q wants %q, got %q",
					typ.Name(), ErrTypeMismatch, port.Name, port.Type, mt.Name())
			}
			m, err := mt.Create(mem.Initial)
			if err != nil {
				return fmt.Errorf("root %q: memory exit %q: %w", typ.Name(), port.Name, err)
			}
			p.rootCells[off+int(mem.ExitID)] = ports.NewCell(int(mem.ExitID), m, mt)
		}

		inst, err := typ.Create(ports)
		if err != nil {
			return err
		}
		r.inst = inst
		exitBase += kmodule.FlowID(len(typ.Exits()))
		e.log.Debug("Created root module", "type", typ.Name(), "exits", len(typ.Exits()), "memories", len(layout))
	}
	return nil
}

// signal posts f to every scheme that wires it.
func (p *project) signal(f kmodule.FlowID) {
	if !p.live.Load() {
		return
	}
	for _, s := range p.schemes {
		if s.worker.Wired(f) {
			s.worker.Post(f)
		}
	}
}

// destroy releases schemes, then root modules and root memory, then
// globals. Workers must have exited.
func (p *project) destroy() error {
	var err error
	for _, s := range p.schemes {
		err = multierr.Append(err, s.scheme.Destroy())
	}
	for _, r := range p.roots {
		if c, ok := r.inst.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		r.inst = nil
	}
	for i, c := range p.rootCells {
		if c == nil {
			continue
		}
		err = multierr.Append(err, c.Type.Destroy(c.Memory))
		p.rootCells[i] = nil
	}
	for i, c := range p.globals {
		err = multierr.Append(err, c.Type.Destroy(c.Memory))
		p.globals[i] = nil
	}
	return err
}
