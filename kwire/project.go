package kwire

import (
	"bytes"
	"fmt"
)

// Magic is the 4-byte header every project starts with.
var Magic = [4]byte{'F', 'L', 'V', 'M'}

// Version is the only format version this package reads and writes.
const Version uint16 = 1

// Position selects which storage a memory reference points into.
type Position uint8

const (
	PositionScheme Position = iota
	PositionGlobal
	PositionRoot
	PositionConstant
	// PositionBoundary refers to a memory port of the enclosing custom
	// module. Only meaningful inside a template.
	PositionBoundary
)

func (p Position) String() string {
	switch p {
	case PositionScheme:
		return "scheme"
	case PositionGlobal:
		return "global"
	case PositionRoot:
		return "root"
	case PositionConstant:
		return "constant"
	case PositionBoundary:
		return "boundary"
	default:
		return fmt.Sprintf("Position(%d)", uint8(p))
	}
}

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	return p <= PositionBoundary
}

// TargetKind is the variant tag of a signal edge destination.
type TargetKind uint8

const (
	// TargetLogic is a signal entry of a logic module.
	TargetLogic TargetKind = iota
	// TargetCustom is an input port of a nested custom module.
	TargetCustom
	// TargetBoundary leaves the current template through one of its output
	// ports.
	TargetBoundary
)

func (k TargetKind) String() string {
	switch k {
	case TargetLogic:
		return "logic"
	case TargetCustom:
		return "custom"
	case TargetBoundary:
		return "boundary"
	default:
		return fmt.Sprintf("TargetKind(%d)", uint8(k))
	}
}

// Target is the destination of a signal edge. Module is unused for
// TargetBoundary.
type Target struct {
	Kind   TargetKind
	Module uint32
	Port   uint32
}

// LogicTarget is shorthand for a logic-module signal entry.
func LogicTarget(module, entry uint32) Target {
	return Target{Kind: TargetLogic, Module: module, Port: entry}
}

// CustomTarget is shorthand for a custom-module input port.
func CustomTarget(module, port uint32) Target {
	return Target{Kind: TargetCustom, Module: module, Port: port}
}

// BoundaryTarget is shorthand for a template output port.
func BoundaryTarget(port uint32) Target {
	return Target{Kind: TargetBoundary, Port: port}
}

// MemoryModule declares one memory instance and its initial content.
type MemoryModule struct {
	Type    uint32
	Initial []byte
}

// RootMemory fills one memory exit of a root module.
type RootMemory struct {
	ExitID  uint32
	Type    uint32
	Initial []byte
}

// RootModule declares the root module of one type.
type RootModule struct {
	Type     uint32
	Memories []RootMemory
}

// SignalEdge connects a signal exit (or port) to a target.
type SignalEdge struct {
	Exit   uint32
	Target Target
}

// MemoryRef binds one memory slot to a cell in some position.
type MemoryRef struct {
	Slot     uint32
	Position Position
	Target   uint32
}

// LogicMemories holds the memory bindings of one logic module.
type LogicMemories struct {
	Entries    []MemoryRef
	Exits      []MemoryRef
	EntryExits []MemoryRef
}

// Scheme is one graph record. It serves both as a top-level scheme and as
// a custom-module template.
type Scheme struct {
	Name string

	MemoryModules []MemoryModule
	LogicModules  []uint32
	CustomModules []uint32

	RootSignalExits   []SignalEdge
	LogicSignalExits  map[uint32][]SignalEdge
	CustomSignalExits map[uint32][]SignalEdge

	LogicMemories  map[uint32]LogicMemories
	CustomMemories map[uint32][]MemoryRef

	InputPorts  []Target
	OutputPorts uint32
	MemoryPorts uint32
}

// Project is the decoded form of a project file. Type ids in the body
// index the project's own type tables, which the loader resolves by name.
type Project struct {
	MemoryTypes []string
	RootTypes   []string
	LogicTypes  []string

	RootModules []RootModule
	Globals     []MemoryModule
	Constants   []MemoryModule

	Templates []Scheme
	Schemes   []Scheme

	Debug []byte
}

// MarshalBinary encodes the project.
func (p *Project) MarshalBinary() ([]byte, error) {
	return Encode(p), nil
}

// UnmarshalBinary decodes data into p.
func (p *Project) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

// Encode serializes p.
func Encode(p *Project) []byte {
	e := NewEncoder(256)
	e.Raw(Magic[:])
	e.U16(Version)

	PutVec(e, p.MemoryTypes, (*Encoder).Str)
	PutVec(e, p.RootTypes, (*Encoder).Str)
	PutVec(e, p.LogicTypes, (*Encoder).Str)

	PutVec(e, p.RootModules, putRootModule)
	PutVec(e, p.Globals, putMemoryModule)
	PutVec(e, p.Constants, putMemoryModule)
	PutVec(e, p.Templates, putScheme)
	PutVec(e, p.Schemes, putScheme)

	e.Blob(p.Debug)
	return e.Bytes()
}

// Decode parses a project. Any mismatch in the header, a truncated
// stream, an unknown enum or trailing garbage yields an error wrapping
// ErrInvalidFormat (or ErrUnsupportedVersion / ErrInvalidEnum /
// ErrTooLarge).
func Decode(data []byte) (*Project, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidFormat)
	}

	d := NewDecoder(data[len(Magic):])
	if v := d.U16(); d.Err() == nil && v != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, v, Version)
	}

	p := &Project{}
	p.MemoryTypes = ReadVec(d, 4, (*Decoder).Str)
	p.RootTypes = ReadVec(d, 4, (*Decoder).Str)
	p.LogicTypes = ReadVec(d, 4, (*Decoder).Str)

	p.RootModules = ReadVec(d, 8, readRootModule)
	p.Globals = ReadVec(d, 8, readMemoryModule)
	p.Constants = ReadVec(d, 8, readMemoryModule)
	p.Templates = ReadVec(d, schemeMinSize, readScheme)
	p.Schemes = ReadVec(d, schemeMinSize, readScheme)

	p.Debug = d.Blob()

	if err := d.Err(); err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFormat, d.Remaining())
	}
	return p, nil
}

func putMemoryModule(e *Encoder, m MemoryModule) {
	e.U32(m.Type)
	e.Blob(m.Initial)
}

func readMemoryModule(d *Decoder) MemoryModule {
	return MemoryModule{Type: d.U32(), Initial: d.Blob()}
}

func putRootModule(e *Encoder, r RootModule) {
	e.U32(r.Type)
	PutVec(e, r.Memories, func(e *Encoder, m RootMemory) {
		e.U32(m.ExitID)
		e.U32(m.Type)
		e.Blob(m.Initial)
	})
}

func readRootModule(d *Decoder) RootModule {
	r := RootModule{Type: d.U32()}
	r.Memories = ReadVec(d, 12, func(d *Decoder) RootMemory {
		return RootMemory{ExitID: d.U32(), Type: d.U32(), Initial: d.Blob()}
	})
	return r
}

func putTarget(e *Encoder, t Target) {
	e.U8(uint8(t.Kind))
	switch t.Kind {
	case TargetLogic, TargetCustom:
		e.U32(t.Module)
		e.U32(t.Port)
	default:
		e.U32(t.Port)
	}
}

func readTarget(d *Decoder) Target {
	kind := TargetKind(d.U8())
	switch kind {
	case TargetLogic, TargetCustom:
		return Target{Kind: kind, Module: d.U32(), Port: d.U32()}
	case TargetBoundary:
		return Target{Kind: kind, Port: d.U32()}
	default:
		d.Fail(fmt.Errorf("%w: target tag %d", ErrInvalidEnum, uint8(kind)))
		return Target{}
	}
}

func putEdge(e *Encoder, s SignalEdge) {
	e.U32(s.Exit)
	putTarget(e, s.Target)
}

func readEdge(d *Decoder) SignalEdge {
	return SignalEdge{Exit: d.U32(), Target: readTarget(d)}
}

func putEdges(e *Encoder, edges []SignalEdge) {
	PutVec(e, edges, putEdge)
}

func readEdges(d *Decoder) []SignalEdge {
	return ReadVec(d, 9, readEdge)
}

func putMemoryRef(e *Encoder, m MemoryRef) {
	e.U32(m.Slot)
	e.U8(uint8(m.Position))
	e.U32(m.Target)
}

func readMemoryRef(d *Decoder) MemoryRef {
	m := MemoryRef{Slot: d.U32(), Position: Position(d.U8()), Target: d.U32()}
	if d.Err() == nil && !m.Position.Valid() {
		d.Fail(fmt.Errorf("%w: memory position %d", ErrInvalidEnum, uint8(m.Position)))
	}
	return m
}

func putMemoryRefs(e *Encoder, refs []MemoryRef) {
	PutVec(e, refs, putMemoryRef)
}

func readMemoryRefs(d *Decoder) []MemoryRef {
	return ReadVec(d, 9, readMemoryRef)
}

// schemeMinSize is the encoded size of a Scheme with every field empty.
const schemeMinSize = 4 + 4*9 + 4 + 4

func putScheme(e *Encoder, s Scheme) {
	e.Str(s.Name)
	PutVec(e, s.MemoryModules, putMemoryModule)
	PutVec(e, s.LogicModules, (*Encoder).U32)
	PutVec(e, s.CustomModules, (*Encoder).U32)
	putEdges(e, s.RootSignalExits)
	PutMap(e, s.LogicSignalExits, (*Encoder).U32, putEdges)
	PutMap(e, s.CustomSignalExits, (*Encoder).U32, putEdges)
	PutMap(e, s.LogicMemories, (*Encoder).U32, func(e *Encoder, m LogicMemories) {
		putMemoryRefs(e, m.Entries)
		putMemoryRefs(e, m.Exits)
		putMemoryRefs(e, m.EntryExits)
	})
	PutMap(e, s.CustomMemories, (*Encoder).U32, putMemoryRefs)
	PutVec(e, s.InputPorts, putTarget)
	e.U32(s.OutputPorts)
	e.U32(s.MemoryPorts)
}

func readScheme(d *Decoder) Scheme {
	s := Scheme{Name: d.Str()}
	s.MemoryModules = ReadVec(d, 8, readMemoryModule)
	s.LogicModules = ReadVec(d, 4, (*Decoder).U32)
	s.CustomModules = ReadVec(d, 4, (*Decoder).U32)
	s.RootSignalExits = readEdges(d)
	s.LogicSignalExits = ReadMap(d, 8, (*Decoder).U32, readEdges)
	s.CustomSignalExits = ReadMap(d, 8, (*Decoder).U32, readEdges)
	s.LogicMemories = ReadMap(d, 16, (*Decoder).U32, func(d *Decoder) LogicMemories {
		return LogicMemories{
			Entries:    readMemoryRefs(d),
			Exits:      readMemoryRefs(d),
			EntryExits: readMemoryRefs(d),
		}
	})
	s.CustomMemories = ReadMap(d, 8, (*Decoder).U32, readMemoryRefs)
	s.InputPorts = ReadVec(d, 5, readTarget)
	s.OutputPorts = d.U32()
	s.MemoryPorts = d.U32()
	return s
}
