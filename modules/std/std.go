// Package std is a small library of general purpose module types: integer,
// byte and string memories, the "start" and "input" roots, and basic
// logic such as increment, add, copy, branch, sequence, delay, relay and
// log.
package std

import (
	"log/slog"

	"github.com/birdayz/flowvm/kregistry"
)

type config struct {
	log *slog.Logger
}

// Option configures the library.
type Option func(*config)

// WithLog sets the logger the "log" module writes to.
var WithLog = func(log *slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// Library registers every std type.
func Library(opts ...Option) kregistry.Library {
	c := &config{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return func(r *kregistry.Registry) {
		r.RegisterMemoryModuleType(Int32Type)
		r.RegisterMemoryModuleType(Int64Type)
		r.RegisterMemoryModuleType(BytesType)
		r.RegisterMemoryModuleType(StringType)

		r.RegisterRootModuleType(StartType)
		r.RegisterRootModuleType(InputType)

		r.RegisterLogicModuleType(IncrementType)
		r.RegisterLogicModuleType(AddType)
		r.RegisterLogicModuleType(CopyType)
		r.RegisterLogicModuleType(BranchType)
		r.RegisterLogicModuleType(SequenceType)
		r.RegisterLogicModuleType(DelayType)
		r.RegisterLogicModuleType(RelayType)
		r.RegisterLogicModuleType(LogType(c.log))
	}
}
