// Package scheme turns a decoded scheme record into a runnable scheme: its
// module instances, its nested custom-module sub-schemes and the flow-id
// indexed callback table its worker chases.
package scheme

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

var (
	ErrUnknownModule    = errors.New("unknown module")
	ErrUnknownType      = errors.New("unknown module type")
	ErrUnknownSignal    = errors.New("unknown signal")
	ErrUnknownMemory    = errors.New("unknown memory")
	ErrInvalidPosition  = errors.New("invalid memory position")
	ErrInvalidReference = errors.New("invalid reference")
	ErrTypeMismatch     = errors.New("memory type mismatch")
)

// DefaultMaxNesting bounds the depth of custom modules inside custom
// modules.
const DefaultMaxNesting = 64

// Env is the project-level context a scheme is loaded in. Type tables are
// already resolved from the project's names; Roots holds one cell per
// flattened root memory exit and may contain nils.
type Env struct {
	Log *slog.Logger

	MemoryTypes []*kmodule.MemoryType
	LogicTypes  []*kmodule.LogicType
	Templates   []kwire.Scheme

	Globals   []*kmodule.Cell
	Roots     []*kmodule.Cell
	Constants []*kmodule.Cell

	// RootExits is the number of flattened root signal exits. They own
	// flow ids [0, RootExits) of every scheme.
	RootExits int

	MaxNesting int
}

// Scheme is one loaded graph instance.
type Scheme struct {
	name string
	log  *slog.Logger

	// instances is the arena of the top-level scheme (index 0) and every
	// nested sub-scheme.
	instances []*instance
	table     []kmodule.Callback

	destroyed bool
}

type instance struct {
	rec *kwire.Scheme

	// parent and parentModule locate the custom module this instance
	// implements. parent is -1 for the top level.
	parent       int
	parentModule uint32
	template     int

	memories []*kmodule.Cell
	logics   []*logic
	customs  []int
}

type logic struct {
	typ     *kmodule.LogicType
	builder *kmodule.PortsBuilder
	inst    kmodule.Logic
}

// Load instantiates, links and builds rec. Signals posted through the
// modules' actions go to poster. On error everything created so far is
// destroyed.
func Load(env *Env, rec *kwire.Scheme, poster kmodule.Poster) (*Scheme, error) {
	if env.MaxNesting <= 0 {
		env.MaxNesting = DefaultMaxNesting
	}
	log := env.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Scheme{
		name: rec.Name,
		log:  log.With("scheme", rec.Name),
	}
	l := &loader{
		env:   env,
		s:     s,
		flows: map[entryKey]kmodule.FlowID{},
	}

	if err := l.instantiate(rec, -1, 0, -1, nil); err != nil {
		return nil, s.abort(err)
	}
	if err := l.link(); err != nil {
		return nil, s.abort(err)
	}
	if err := l.build(poster); err != nil {
		return nil, s.abort(err)
	}

	s.log.Debug("Loaded scheme",
		"instances", len(s.instances),
		"flows", len(s.table),
		"root_exits", env.RootExits)
	return s, nil
}

func (s *Scheme) abort(err error) error {
	if derr := s.Destroy(); derr != nil {
		s.log.Error("Failed to destroy partial scheme", "error", derr)
	}
	return fmt.Errorf("scheme %q: %w", s.name, err)
}

func (s *Scheme) Name() string {
	return s.name
}

// Table returns the callback table. Ids without a bound callback hold nil.
func (s *Scheme) Table() []kmodule.Callback {
	return s.table
}

// Instances returns the number of scheme instances, counting the top level
// and every nested custom module.
func (s *Scheme) Instances() int {
	return len(s.instances)
}

// Memory returns top-level scheme memory i.
func (s *Scheme) Memory(i int) (*kmodule.Cell, bool) {
	if len(s.instances) == 0 || i < 0 || i >= len(s.instances[0].memories) {
		return nil, false
	}
	return s.instances[0].memories[i], true
}

// Destroy releases every logic instance, then every scheme memory. It is
// idempotent. The scheme's worker must have stopped.
func (s *Scheme) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	s.table = nil

	var err error
	for _, in := range s.instances {
		for _, lg := range in.logics {
			if lg.inst == nil {
				continue
			}
			err = multierr.Append(err, lg.typ.Destroy(lg.inst))
			lg.inst = nil
		}
	}
	for _, in := range s.instances {
		for i, c := range in.memories {
			if c == nil {
				continue
			}
			err = multierr.Append(err, c.Type.Destroy(c.Memory))
			in.memories[i] = nil
		}
	}
	s.instances = nil
	return err
}
