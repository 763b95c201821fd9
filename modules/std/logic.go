package std

import (
	"encoding"
	"log/slog"
	"sync"
	"time"

	"github.com/birdayz/flowvm/kmodule"
)

// Increment adds one to its int32 "counter" on every "in" signal.
type Increment struct {
	ports *kmodule.Ports
}

func (m *Increment) run() kmodule.FlowID {
	c := m.ports.MemoryEntryExit(0)
	if n, ok := kmodule.As[*Int32](c); ok {
		c.Lock()
		n.V++
		c.Unlock()
	}
	return m.ports.Exit(0)
}

var IncrementType = kmodule.DefineLogic(kmodule.LogicDef[Increment]{
	Name: "increment",
	New:  func(p *kmodule.Ports) *Increment { return &Increment{ports: p} },
	Entries: []kmodule.Entry[Increment]{
		{Name: "in", Run: (*Increment).run},
	},
	Exits:            []string{"out"},
	MemoryEntryExits: []kmodule.MemoryPort{{Name: "counter", Type: "int32"}},
})

// Add writes a+b into sum. Unwired operands count as zero.
type Add struct {
	ports *kmodule.Ports
}

func readInt64(c *kmodule.Cell) int64 {
	n, ok := kmodule.As[*Int64](c)
	if !ok {
		return 0
	}
	c.RLock()
	defer c.RUnlock()
	return n.V
}

func (m *Add) run() kmodule.FlowID {
	sum := readInt64(m.ports.MemoryEntry(0)) + readInt64(m.ports.MemoryEntry(1))
	c := m.ports.MemoryExit(0)
	if n, ok := kmodule.As[*Int64](c); ok {
		c.Lock()
		n.V = sum
		c.Unlock()
	}
	return m.ports.Exit(0)
}

var AddType = kmodule.DefineLogic(kmodule.LogicDef[Add]{
	Name: "add",
	New:  func(p *kmodule.Ports) *Add { return &Add{ports: p} },
	Entries: []kmodule.Entry[Add]{
		{Name: "in", Run: (*Add).run},
	},
	Exits: []string{"out"},
	MemoryEntries: []kmodule.MemoryPort{
		{Name: "a", Type: "int64"},
		{Name: "b", Type: "int64"},
	},
	MemoryExits: []kmodule.MemoryPort{{Name: "sum", Type: "int64"}},
})

// Copy transfers src into dst through their binary form. Both must be of
// a type that supports it; otherwise the copy is skipped and "failed"
// fires instead of "out".
type Copy struct {
	ports *kmodule.Ports
}

func (m *Copy) run() kmodule.FlowID {
	src, dst := m.ports.MemoryEntry(0), m.ports.MemoryExit(0)
	if src == nil || dst == nil {
		return m.ports.Exit(1)
	}
	u, ok := dst.Memory.(encoding.BinaryUnmarshaler)
	if !ok {
		return m.ports.Exit(1)
	}

	src.RLock()
	b, err := src.Type.Snapshot(src.Memory)
	src.RUnlock()
	if err != nil {
		return m.ports.Exit(1)
	}

	dst.Lock()
	err = u.UnmarshalBinary(b)
	dst.Unlock()
	if err != nil {
		return m.ports.Exit(1)
	}
	return m.ports.Exit(0)
}

var CopyType = kmodule.DefineLogic(kmodule.LogicDef[Copy]{
	Name: "copy",
	New:  func(p *kmodule.Ports) *Copy { return &Copy{ports: p} },
	Entries: []kmodule.Entry[Copy]{
		{Name: "in", Run: (*Copy).run},
	},
	Exits:         []string{"out", "failed"},
	MemoryEntries: []kmodule.MemoryPort{{Name: "src"}},
	MemoryExits:   []kmodule.MemoryPort{{Name: "dst"}},
})

// Branch fires "then" when cond is truthy and "else" otherwise. Numbers
// are truthy when non-zero, bytes and strings when non-empty. An unwired
// cond is false.
type Branch struct {
	ports *kmodule.Ports
}

func truthy(c *kmodule.Cell) bool {
	if c == nil {
		return false
	}
	c.RLock()
	defer c.RUnlock()
	switch m := c.Memory.(type) {
	case *Int32:
		return m.V != 0
	case *Int64:
		return m.V != 0
	case *Bytes:
		return len(m.V) > 0
	case *String:
		return m.V != ""
	}
	return false
}

func (m *Branch) run() kmodule.FlowID {
	if truthy(m.ports.MemoryEntry(0)) {
		return m.ports.Exit(0)
	}
	return m.ports.Exit(1)
}

var BranchType = kmodule.DefineLogic(kmodule.LogicDef[Branch]{
	Name: "branch",
	New:  func(p *kmodule.Ports) *Branch { return &Branch{ports: p} },
	Entries: []kmodule.Entry[Branch]{
		{Name: "in", Run: (*Branch).run},
	},
	Exits:         []string{"then", "else"},
	MemoryEntries: []kmodule.MemoryPort{{Name: "cond"}},
})

// Sequence continues with "first" and queues "second" and "third" behind
// it, so the first chain completes before the others start.
type Sequence struct {
	ports *kmodule.Ports
	later []func()
}

func (m *Sequence) run() kmodule.FlowID {
	for _, post := range m.later {
		post()
	}
	return m.ports.Exit(0)
}

var SequenceType = kmodule.DefineLogic(kmodule.LogicDef[Sequence]{
	Name: "sequence",
	New: func(p *kmodule.Ports) *Sequence {
		return &Sequence{
			ports: p,
			later: []func(){p.Action(1), p.Action(2)},
		}
	},
	Entries: []kmodule.Entry[Sequence]{
		{Name: "in", Run: (*Sequence).run},
	},
	Exits: []string{"first", "second", "third"},
})

// Delay fires "done" on its scheme after the number of milliseconds in
// "ms". The chain that triggered it ends at once.
type Delay struct {
	done func()
	ms   *kmodule.Cell

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func (m *Delay) run() kmodule.FlowID {
	d := time.Duration(readInt64(m.ms)) * time.Millisecond

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kmodule.Nowhere
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		_, pending := m.timers[t]
		delete(m.timers, t)
		m.mu.Unlock()
		if pending {
			m.done()
		}
	})
	m.timers[t] = struct{}{}
	return kmodule.Nowhere
}

// Pending returns the number of timers that have not fired yet.
func (m *Delay) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close cancels pending timers.
func (m *Delay) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	clear(m.timers)
	return nil
}

var DelayType = kmodule.DefineLogic(kmodule.LogicDef[Delay]{
	Name: "delay",
	New: func(p *kmodule.Ports) *Delay {
		return &Delay{
			done:   p.Action(0),
			ms:     p.MemoryEntry(0),
			timers: map[*time.Timer]struct{}{},
		}
	},
	Entries: []kmodule.Entry[Delay]{
		{Name: "in", Run: (*Delay).run},
	},
	Exits:         []string{"done"},
	MemoryEntries: []kmodule.MemoryPort{{Name: "ms", Type: "int64"}},
})

// Relay passes "in" straight to "out".
type Relay struct {
	out kmodule.FlowID
}

var RelayType = kmodule.DefineLogic(kmodule.LogicDef[Relay]{
	Name: "relay",
	New:  func(p *kmodule.Ports) *Relay { return &Relay{out: p.Exit(0)} },
	Entries: []kmodule.Entry[Relay]{
		{Name: "in", Run: func(m *Relay) kmodule.FlowID { return m.out }},
	},
	Exits: []string{"out"},
})

// Log writes the "value" memory to a logger on every signal.
type Log struct {
	log   *slog.Logger
	ports *kmodule.Ports
}

func (m *Log) run() kmodule.FlowID {
	c := m.ports.MemoryEntry(0)
	if c == nil {
		m.log.Info("Signal")
		return m.ports.Exit(0)
	}
	c.RLock()
	v := describe(c.Memory)
	c.RUnlock()
	m.log.Info("Signal", "type", c.TypeName(), "value", v)
	return m.ports.Exit(0)
}

func describe(m kmodule.Memory) any {
	switch v := m.(type) {
	case *Int32:
		return v.V
	case *Int64:
		return v.V
	case *Bytes:
		return v.V
	case *String:
		return v.V
	}
	return m
}

// LogType defines the "log" logic type writing to log.
func LogType(log *slog.Logger) *kmodule.LogicType {
	return kmodule.DefineLogic(kmodule.LogicDef[Log]{
		Name: "log",
		New: func(p *kmodule.Ports) *Log {
			return &Log{log: log, ports: p}
		},
		Entries: []kmodule.Entry[Log]{
			{Name: "in", Run: (*Log).run},
		},
		Exits:         []string{"out"},
		MemoryEntries: []kmodule.MemoryPort{{Name: "value"}},
	})
}
