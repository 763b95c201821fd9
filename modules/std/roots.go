package std

import "github.com/birdayz/flowvm/kmodule"

// Start is the "start" root module: a single exit the host fires to kick
// off a program.
type Start struct {
	ports *kmodule.RootPorts
}

// Fire signals the "go" exit.
func (s *Start) Fire() {
	s.ports.Signal(0)
}

var StartType = kmodule.DefineRoot(kmodule.RootDef[Start]{
	Name: "start",
	New: func(p *kmodule.RootPorts) *Start {
		return &Start{ports: p}
	},
	Exits: []string{"go"},
})

// Input is the "input" root module. The host publishes a value into its
// "value" memory exit and the "changed" exit tells the program about it.
type Input struct {
	ports *kmodule.RootPorts
}

// Update runs fn on the value memory under the root's exclusive lock and
// then fires "changed". fn receives nil if the project did not fill the
// memory exit.
func (in *Input) Update(fn func(kmodule.Memory)) {
	var m kmodule.Memory
	in.ports.Lock()
	if c := in.ports.Memory(0); c != nil {
		m = c.Memory
	}
	fn(m)
	in.ports.Unlock()
	in.ports.Signal(0)
}

// Set stores v in an int64 value memory and fires "changed". It is a
// no-op on the memory if the value exit holds another type.
func (in *Input) Set(v int64) {
	in.Update(func(m kmodule.Memory) {
		if n, ok := m.(*Int64); ok {
			n.V = v
		}
	})
}

var InputType = kmodule.DefineRoot(kmodule.RootDef[Input]{
	Name: "input",
	New: func(p *kmodule.RootPorts) *Input {
		return &Input{ports: p}
	},
	Exits:    []string{"changed"},
	Memories: []kmodule.MemoryPort{{Name: "value"}},
})
