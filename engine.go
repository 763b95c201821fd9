// Package flowvm runs dataflow programs.
//
// A program is a project: root modules, global and constant memories and
// one or more schemes, encoded in the kwire format. An Engine loads one
// project at a time against a kregistry.Registry, runs every scheme on its
// own goroutine and lets the host inject root signals.
package flowvm

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/flowvm/internal/metrics"
	"github.com/birdayz/flowvm/internal/scheme"
	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
)

// FlowID re-exports kmodule.FlowID for hosts.
type FlowID = kmodule.FlowID

type Engine struct {
	reg *kregistry.Registry
	log *slog.Logger

	metrics    *metrics.Collector
	maxNesting int

	// mu serializes lifecycle calls. Signal injection reads project without
	// it.
	mu      sync.Mutex
	project atomic.Pointer[project]

	// syncMu keeps concurrent WaitAllSchemes calls from taking each
	// other's tokens.
	syncMu sync.Mutex
}

// New creates an engine resolving module types in reg.
func New(reg *kregistry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:        reg,
		log:        NullLogger(),
		maxNesting: scheme.DefaultMaxNesting,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadProject decodes data and creates every root module, memory and scheme
// it declares. It either succeeds completely or leaves nothing behind.
func (e *Engine) LoadProject(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.project.Load() != nil {
		return ErrProjectLoaded
	}

	rec, err := kwire.Decode(data)
	if err != nil {
		e.metrics.LoadFailed()
		return fmt.Errorf("decode project: %w", err)
	}

	p, err := e.load(rec)
	if err != nil {
		e.metrics.LoadFailed()
		e.log.Error("Failed to load project", "error", err)
		return err
	}

	p.live.Store(true)
	e.project.Store(p)
	e.metrics.Loaded(len(p.schemes))
	e.log.Info("Loaded project",
		"load_id", p.id,
		"schemes", len(p.schemes),
		"roots", len(p.roots),
		"globals", len(p.globals),
		"constants", len(p.constants))
	return nil
}

// UnloadProject stops and joins every scheme worker, then destroys the
// schemes, the root modules and the global memories, in that order.
// Constants stay pooled in the registry. Calling it without a loaded
// project is a no-op.
func (e *Engine) UnloadProject() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.project.Swap(nil)
	if p == nil {
		return nil
	}
	p.live.Store(false)

	for _, s := range p.schemes {
		s.worker.Stop()
	}
	for _, s := range p.schemes {
		_ = s.worker.Join()
	}

	err := p.destroy()
	for _, s := range p.schemes {
		e.metrics.Forget(s.worker.Name())
	}
	e.metrics.Unloaded()
	e.log.Info("Unloaded project", "load_id", p.id)
	return err
}

// Run starts the worker of every scheme.
func (e *Engine) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.project.Load()
	if p == nil {
		return ErrNoProject
	}
	var err error
	for _, s := range p.schemes {
		if rerr := s.worker.Run(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("scheme %q: %w", s.worker.Name(), rerr))
		}
	}
	return err
}

// Stop asks every scheme worker to exit. It does not wait; see Join.
func (e *Engine) Stop() {
	p := e.project.Load()
	if p == nil {
		return
	}
	for _, s := range p.schemes {
		s.worker.Stop()
	}
}

// Join blocks until every started scheme worker has exited.
func (e *Engine) Join() error {
	p := e.project.Load()
	if p == nil {
		return nil
	}
	var eg errgroup.Group
	for _, s := range p.schemes {
		eg.Go(s.worker.Join)
	}
	return eg.Wait()
}

// RootSignal enqueues f on every scheme that wires it. It never blocks.
// Signals from one goroutine reach a scheme in order; there is no ordering
// between goroutines.
func (e *Engine) RootSignal(f FlowID) {
	p := e.project.Load()
	if p == nil {
		return
	}
	if p.live.Load() {
		e.metrics.RootSignal()
	}
	p.signal(f)
}

// WaitAllSchemes returns once every running scheme has processed all flows
// enqueued before the call. Flows injected concurrently with the call may
// or may not be covered.
func (e *Engine) WaitAllSchemes() {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	p := e.project.Load()
	if p == nil {
		return
	}
	n := 0
	for _, s := range p.schemes {
		if s.worker.Sync() {
			n++
		}
	}
	for ; n > 0; n-- {
		<-p.tokens
	}
}

// Schemes returns the number of schemes in the loaded project.
func (e *Engine) Schemes() int {
	p := e.project.Load()
	if p == nil {
		return 0
	}
	return len(p.schemes)
}

// SchemeNames lists the loaded schemes in declaration order.
func (e *Engine) SchemeNames() []string {
	p := e.project.Load()
	if p == nil {
		return nil
	}
	names := make([]string, len(p.schemes))
	for i, s := range p.schemes {
		names[i] = s.worker.Name()
	}
	return names
}

// Pending returns the number of flows queued on scheme number i. After
// WaitAllSchemes with no concurrent injection and no outstanding actions
// it is zero.
func (e *Engine) Pending(i int) (int, error) {
	p := e.project.Load()
	if p == nil {
		return 0, ErrNoProject
	}
	if i < 0 || i >= len(p.schemes) {
		return 0, fmt.Errorf("%w: scheme %d", ErrNotFound, i)
	}
	return p.schemes[i].worker.Pending(), nil
}

// LoadID identifies the current load in logs. It is uuid.Nil when no
// project is loaded.
func (e *Engine) LoadID() uuid.UUID {
	p := e.project.Load()
	if p == nil {
		return uuid.Nil
	}
	return p.id
}

// RootExit returns the flow id of the named exit of the named root module.
func (e *Engine) RootExit(root, exit string) (FlowID, error) {
	p := e.project.Load()
	if p == nil {
		return kmodule.Nowhere, ErrNoProject
	}
	for _, r := range p.roots {
		if r.typ.Name() != root {
			continue
		}
		i := r.typ.ExitIndex(exit)
		if i < 0 {
			return kmodule.Nowhere, fmt.Errorf("%w: root %q has no exit %q", ErrNotFound, root, exit)
		}
		return r.ports.FlowID(i), nil
	}
	return kmodule.Nowhere, fmt.Errorf("%w: root %q", ErrNotFound, root)
}

// RootModule returns the root module instance of type *T. The instance is
// the one the engine created and stays shared with it: schemes read its
// memories concurrently, so the host may only change them through the
// instance's own methods, which take the root lock (see std.Input.Update).
// The pointer is invalid after UnloadProject.
func RootModule[T any](e *Engine) (*T, error) {
	key := reflect.TypeFor[*T]()
	if _, ok := e.reg.RootByKey(key); !ok {
		return nil, fmt.Errorf("%w: root type %s is not registered", ErrNotFound, key)
	}
	p := e.project.Load()
	if p == nil {
		return nil, fmt.Errorf("%w: no project loaded", ErrNotFound)
	}
	r, ok := p.rootByKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: project has no root %s", ErrNotFound, key)
	}
	return r.inst.(*T), nil
}

// ReadMemory snapshots a global, root or constant memory through its
// binary contract, taking the cell's shared lock if it has one.
func (e *Engine) ReadMemory(pos kwire.Position, index int) ([]byte, error) {
	p := e.project.Load()
	if p == nil {
		return nil, ErrNoProject
	}
	var cells []*kmodule.Cell
	switch pos {
	case kwire.PositionGlobal:
		cells = p.globals
	case kwire.PositionRoot:
		cells = p.rootCells
	case kwire.PositionConstant:
		cells = p.constants
	default:
		return nil, fmt.Errorf("%w: %s memory cannot be read by position", ErrInvalidPosition, pos)
	}
	if index < 0 || index >= len(cells) || cells[index] == nil {
		return nil, fmt.Errorf("%w: %s memory %d", ErrNotFound, pos, index)
	}
	return snapshot(cells[index])
}

// ReadSchemeMemory snapshots memory index of the top level of scheme
// number i. Scheme memory belongs to the scheme's worker: only call this
// after WaitAllSchemes, or once the workers have stopped, and while no
// signals are being injected.
func (e *Engine) ReadSchemeMemory(i, index int) ([]byte, error) {
	p := e.project.Load()
	if p == nil {
		return nil, ErrNoProject
	}
	if i < 0 || i >= len(p.schemes) {
		return nil, fmt.Errorf("%w: scheme %d", ErrNotFound, i)
	}
	c, ok := p.schemes[i].scheme.Memory(index)
	if !ok {
		return nil, fmt.Errorf("%w: memory %d of scheme %d", ErrNotFound, index, i)
	}
	return snapshot(c)
}

func snapshot(c *kmodule.Cell) ([]byte, error) {
	c.RLock()
	defer c.RUnlock()
	return c.Type.Snapshot(c.Memory)
}
