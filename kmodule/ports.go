package kmodule

// Ports holds the slot tables of one logic module instance: the flow id
// bound to each signal exit and the cell bound to each memory slot.
// Unwired exits are Nowhere, unwired memory slots are nil. A Ports value is
// immutable once a PortsBuilder has produced it.
type Ports struct {
	exits      []FlowID
	entries    []*Cell
	memExits   []*Cell
	entryExits []*Cell
	poster     Poster
}

// Exit returns the flow bound to signal exit i.
func (p *Ports) Exit(i int) FlowID {
	if i < 0 || i >= len(p.exits) {
		return Nowhere
	}
	return p.exits[i]
}

// MemoryEntry returns the read-only memory slot i, or nil if unwired.
func (p *Ports) MemoryEntry(i int) *Cell {
	return cellAt(p.entries, i)
}

// MemoryExit returns the write-only memory slot i, or nil if unwired.
func (p *Ports) MemoryExit(i int) *Cell {
	return cellAt(p.memExits, i)
}

// MemoryEntryExit returns the read-write memory slot i, or nil if unwired.
func (p *Ports) MemoryEntryExit(i int) *Cell {
	return cellAt(p.entryExits, i)
}

// Action returns a func that, when called from any goroutine, enqueues
// signal exit i on the owning scheme. It is the completion path for work
// that must not block the scheme's worker. Calling it for an unwired exit
// does nothing.
func (p *Ports) Action(i int) func() {
	flow := p.Exit(i)
	poster := p.poster
	return func() {
		if flow == Nowhere || poster == nil {
			return
		}
		poster.Post(flow)
	}
}

func cellAt(cells []*Cell, i int) *Cell {
	if i < 0 || i >= len(cells) {
		return nil
	}
	return cells[i]
}

// PortsBuilder collects slot bindings during linking. Index checks are the
// linker's job; out of range indices panic.
type PortsBuilder struct {
	p *Ports
}

// NewPortsBuilder creates a builder sized for layout with every slot
// unwired.
func NewPortsBuilder(layout Layout) *PortsBuilder {
	p := &Ports{
		exits:      make([]FlowID, len(layout.Exits)),
		entries:    make([]*Cell, len(layout.MemoryEntries)),
		memExits:   make([]*Cell, len(layout.MemoryExits)),
		entryExits: make([]*Cell, len(layout.MemoryEntryExits)),
	}
	for i := range p.exits {
		p.exits[i] = Nowhere
	}
	return &PortsBuilder{p: p}
}

func (b *PortsBuilder) SetExit(i int, f FlowID) { b.p.exits[i] = f }
func (b *PortsBuilder) SetMemoryEntry(i int, c *Cell) { b.p.entries[i] = c }
func (b *PortsBuilder) SetMemoryExit(i int, c *Cell) { b.p.memExits[i] = c }
func (b *PortsBuilder) SetMemoryEntryExit(i int, c *Cell) { b.p.entryExits[i] = c }

// Build returns the finished slot tables. The builder must not be used
// afterwards.
func (b *PortsBuilder) Build(poster Poster) *Ports {
	p := b.p
	p.poster = poster
	b.p = nil
	return p
}
