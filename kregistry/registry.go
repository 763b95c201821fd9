// Package kregistry is the catalog of module types known to an engine.
//
// Types are registered once at startup and receive dense ids per kind.
// Registration stops at the first failure: every later call is a no-op
// that returns the same error, so a host can register a whole library and
// check Err once.
package kregistry

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/multierr"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

var (
	ErrDuplicateName = errors.New("duplicate type name")
	ErrInvalidName   = errors.New("invalid type name")
	ErrDuplicateKey  = errors.New("duplicate root type key")
	ErrUnknownType   = errors.New("unknown type")
	ErrClosed        = errors.New("registry closed")
)

// Separator is reserved for qualified names and may not appear in a type
// name.
const Separator = ":"

type (
	MemoryTypeID uint32
	RootTypeID   uint32
	LogicTypeID  uint32
)

// Library registers a group of related types.
type Library func(*Registry)

// Option configures a Registry.
type Option func(*Registry)

// WithLog sets the logger used for registration and pool events.
var WithLog = func(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

type constKey struct {
	typ     MemoryTypeID
	content string
}

// Registry holds the memory, root and logic types of one process. It is
// safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu  sync.RWMutex
	err error

	memories     []*kmodule.MemoryType
	memoryByName map[string]MemoryTypeID

	roots      []*kmodule.RootType
	rootByName map[string]RootTypeID
	rootByKey  map[reflect.Type]RootTypeID

	logics      []*kmodule.LogicType
	logicByName map[string]LogicTypeID

	constMu   sync.Mutex
	constants map[constKey]*kmodule.Cell
	closed    bool
}

func New(opts ...Option) *Registry {
	r := &Registry{
		log:          slog.New(slog.NewTextHandler(nullWriter{}, nil)),
		memoryByName: map[string]MemoryTypeID{},
		rootByName:   map[string]RootTypeID{},
		rootByKey:    map[reflect.Type]RootTypeID{},
		logicByName:  map[string]LogicTypeID{},
		constants:    map[constKey]*kmodule.Cell{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// Use applies libs in order.
func (r *Registry) Use(libs ...Library) *Registry {
	for _, lib := range libs {
		lib(r)
	}
	return r
}

// Err returns the first registration failure, if any.
func (r *Registry) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, Separator)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
	}
	return nil
}

// Fail records a library setup failure as the registry's sticky status.
// Later registrations are rejected.
func (r *Registry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.fail(err)
	}
}

// fail records err as the sticky status. Callers hold r.mu.
func (r *Registry) fail(err error) error {
	r.err = err
	r.log.Error("Type registration failed", "error", err)
	return err
}

// RegisterMemoryModuleType adds t and returns its id.
func (r *Registry) RegisterMemoryModuleType(t *kmodule.MemoryType) (MemoryTypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if err := validateName(t.Name()); err != nil {
		return 0, r.fail(fmt.Errorf("memory type: %w", err))
	}
	if _, ok := r.memoryByName[t.Name()]; ok {
		return 0, r.fail(fmt.Errorf("%w: memory type %q", ErrDuplicateName, t.Name()))
	}
	id := MemoryTypeID(len(r.memories))
	r.memories = append(r.memories, t)
	r.memoryByName[t.Name()] = id
	r.log.Debug("Registered memory type", "name", t.Name(), "id", id)
	return id, nil
}

// RegisterRootModuleType adds t and returns its id. Both its name and its
// key must be unused.
func (r *Registry) RegisterRootModuleType(t *kmodule.RootType) (RootTypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if err := validateName(t.Name()); err != nil {
		return 0, r.fail(fmt.Errorf("root type: %w", err))
	}
	if _, ok := r.rootByName[t.Name()]; ok {
		return 0, r.fail(fmt.Errorf("%w: root type %q", ErrDuplicateName, t.Name()))
	}
	if prev, ok := r.rootByKey[t.Key()]; ok {
		return 0, r.fail(fmt.Errorf("%w: %s already registered as %q", ErrDuplicateKey, t.Key(), r.roots[prev].Name()))
	}
	id := RootTypeID(len(r.roots))
	r.roots = append(r.roots, t)
	r.rootByName[t.Name()] = id
	r.rootByKey[t.Key()] = id
	r.log.Debug("Registered root type", "name", t.Name(), "id", id, "key", t.Key().String())
	return id, nil
}

// RegisterLogicModuleType adds t and returns its id.
func (r *Registry) RegisterLogicModuleType(t *kmodule.LogicType) (LogicTypeID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if err := validateName(t.Name()); err != nil {
		return 0, r.fail(fmt.Errorf("logic type: %w", err))
	}
	if _, ok := r.logicByName[t.Name()]; ok {
		return 0, r.fail(fmt.Errorf("%w: logic type %q", ErrDuplicateName, t.Name()))
	}
	id := LogicTypeID(len(r.logics))
	r.logics = append(r.logics, t)
	r.logicByName[t.Name()] = id
	r.log.Debug("Registered logic type", "name", t.Name(), "id", id, "entries", len(t.Layout().Entries))
	return id, nil
}

// MustMemory is like RegisterMemoryModuleType but panics on failure.
func (r *Registry) MustMemory(t *kmodule.MemoryType) MemoryTypeID {
	id, err := r.RegisterMemoryModuleType(t)
	if err != nil {
		panic(err)
	}
	return id
}

// MustRoot is like RegisterRootModuleType but panics on failure.
func (r *Registry) MustRoot(t *kmodule.RootType) RootTypeID {
	id, err := r.RegisterRootModuleType(t)
	if err != nil {
		panic(err)
	}
	return id
}

// MustLogic is like RegisterLogicModuleType but panics on failure.
func (r *Registry) MustLogic(t *kmodule.LogicType) LogicTypeID {
	id, err := r.RegisterLogicModuleType(t)
	if err != nil {
		panic(err)
	}
	return id
}

func (r *Registry) Memory(id MemoryTypeID) (*kmodule.MemoryType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.memories) {
		return nil, false
	}
	return r.memories[id], true
}

func (r *Registry) Root(id RootTypeID) (*kmodule.RootType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.roots) {
		return nil, false
	}
	return r.roots[id], true
}

func (r *Registry) Logic(id LogicTypeID) (*kmodule.LogicType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.logics) {
		return nil, false
	}
	return r.logics[id], true
}

func (r *Registry) MemoryByName(name string) (MemoryTypeID, *kmodule.MemoryType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.memoryByName[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: memory type %q", ErrUnknownType, name)
	}
	return id, r.memories[id], nil
}

func (r *Registry) RootByName(name string) (RootTypeID, *kmodule.RootType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.rootByName[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: root type %q", ErrUnknownType, name)
	}
	return id, r.roots[id], nil
}

func (r *Registry) LogicByName(name string) (LogicTypeID, *kmodule.LogicType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.logicByName[name]
	if !ok {
		return 0, nil, fmt.Errorf("%w: logic type %q", ErrUnknownType, name)
	}
	return id, r.logics[id], nil
}

// RootByKey finds a root type by its process-wide key.
func (r *Registry) RootByKey(key reflect.Type) (RootTypeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.rootByKey[key]
	return id, ok
}

// Counts returns the number of registered memory, root and logic types.
func (r *Registry) Counts() (memories, roots, logics int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memories), len(r.roots), len(r.logics)
}

// Constant returns the pooled constant cell for (id, initial), creating it
// on first use. Equal content of the same type always yields the same
// cell. Pooled cells live until Close.
func (r *Registry) Constant(id MemoryTypeID, initial []byte) (*kmodule.Cell, error) {
	t, ok := r.Memory(id)
	if !ok {
		return nil, fmt.Errorf("%w: memory type id %d", ErrUnknownType, id)
	}

	key := constKey{typ: id, content: string(initial)}

	r.constMu.Lock()
	defer r.constMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.constants[key]; ok {
		return c, nil
	}
	m, err := t.Create(initial)
	if err != nil {
		return nil, fmt.Errorf("constant %q: %w", t.Name(), err)
	}
	c := kmodule.NewCell(m, t, kwire.PositionConstant, nil)
	r.constants[key] = c
	r.log.Debug("Pooled constant", "type", t.Name(), "size", len(initial))
	return c, nil
}

// Constants returns the number of pooled constants.
func (r *Registry) Constants() int {
	r.constMu.Lock()
	defer r.constMu.Unlock()
	return len(r.constants)
}

// Close destroys every pooled constant. Engines using this registry must
// be unloaded first. Close is idempotent.
func (r *Registry) Close() error {
	r.constMu.Lock()
	defer r.constMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	for key, c := range r.constants {
		err = multierr.Append(err, c.Type.Destroy(c.Memory))
		delete(r.constants, key)
	}
	return err
}
