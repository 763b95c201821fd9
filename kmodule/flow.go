package kmodule

import (
	"errors"
	"fmt"
	"math"
)

// FlowID identifies a slot in a scheme's callback table. Ids with the top
// bit set are reserved sentinels and never index the table.
type FlowID uint32

const (
	// Nowhere ends the current chain.
	Nowhere FlowID = math.MaxUint32
	// Stop makes the scheme's worker exit after it is dequeued.
	Stop FlowID = math.MaxUint32 - 1
	// Sync posts one barrier token and lets the worker continue.
	Sync FlowID = math.MaxUint32 - 2

	sentinelBit FlowID = 1 << 31
)

// IsSentinel reports whether f is reserved rather than a table index.
func (f FlowID) IsSentinel() bool {
	return f&sentinelBit != 0
}

func (f FlowID) String() string {
	switch f {
	case Nowhere:
		return "Nowhere"
	case Stop:
		return "Stop"
	case Sync:
		return "Sync"
	}
	if f.IsSentinel() {
		return fmt.Sprintf("Sentinel(%#x)", uint32(f))
	}
	return fmt.Sprintf("Flow(%d)", uint32(f))
}

// Callback is one bound signal entry. It runs on the owning scheme's worker
// and returns the flow to continue with.
type Callback func() FlowID

// Poster accepts flow ids for asynchronous execution on a scheme worker.
type Poster interface {
	Post(FlowID)
}

// ErrNotImplemented is returned when a module type lacks an optional
// capability that an operation requires.
var ErrNotImplemented = errors.New("not implemented")
