package flowvm_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/birdayz/flowvm"
	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kproject"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
	"github.com/birdayz/flowvm/modules/std"
)

// recorder appends its module's name to a shared trace.
type recorder struct {
	name  string
	trace *trace
	out   kmodule.FlowID
}

type trace struct {
	mu    sync.Mutex
	names []string
}

func (t *trace) add(name string) {
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
}

func (t *trace) get() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// countdown decrements its counter and loops back into itself until the
// counter reaches zero.
type countdown struct {
	ports *kmodule.Ports
}

func (c *countdown) run() kmodule.FlowID {
	n, ok := kmodule.As[*std.Int32](c.ports.MemoryEntryExit(0))
	if !ok || n.V <= 0 {
		return c.ports.Exit(1)
	}
	n.V--
	return c.ports.Exit(0)
}

type panicky struct{}

// tracked counts live instances so tests can check teardown.
type tracked struct {
	live *int
}

func (m *tracked) Close() error {
	*m.live--
	return nil
}

// gate owns the "level" root memory and is its only writer.
type gate struct {
	ports *kmodule.RootPorts
}

func (g *gate) setLevel(v int32) {
	g.ports.Lock()
	defer g.ports.Unlock()
	if n, ok := kmodule.As[*std.Int32](g.ports.Memory(0)); ok {
		n.V = v
	}
}

// tick counts its invocations and passes the signal on.
type tick struct {
	n   *int
	out kmodule.FlowID
}

type fixture struct {
	reg   *kregistry.Registry
	trace *trace
	live  int
	ticks int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{trace: &trace{}}
	f.reg = kregistry.New().Use(std.Library(std.WithLog(flowvm.NullLogger())))
	for _, name := range []string{"A", "B", "C"} {
		name := name
		f.reg.MustLogic(kmodule.DefineLogic(kmodule.LogicDef[recorder]{
			Name: name,
			New: func(p *kmodule.Ports) *recorder {
				return &recorder{name: name, trace: f.trace, out: p.Exit(0)}
			},
			Entries: []kmodule.Entry[recorder]{{Name: "in", Run: func(r *recorder) kmodule.FlowID {
				r.trace.add(r.name)
				return r.out
			}}},
			Exits: []string{"out"},
		}))
	}
	f.reg.MustLogic(kmodule.DefineLogic(kmodule.LogicDef[countdown]{
		Name:             "countdown",
		New:              func(p *kmodule.Ports) *countdown { return &countdown{ports: p} },
		Entries:          []kmodule.Entry[countdown]{{Name: "in", Run: (*countdown).run}},
		Exits:            []string{"again", "done"},
		MemoryEntryExits: []kmodule.MemoryPort{{Name: "n", Type: "int32"}},
	}))
	f.reg.MustLogic(kmodule.DefineLogic(kmodule.LogicDef[tick]{
		Name: "tick",
		New:  func(p *kmodule.Ports) *tick { return &tick{n: &f.ticks, out: p.Exit(0)} },
		Entries: []kmodule.Entry[tick]{{Name: "in", Run: func(k *tick) kmodule.FlowID {
			*k.n++
			return k.out
		}}},
		Exits: []string{"out"},
	}))
	f.reg.MustLogic(kmodule.DefineLogic(kmodule.LogicDef[panicky]{
		Name: "panic",
		New:  func(*kmodule.Ports) *panicky { return &panicky{} },
		Entries: []kmodule.Entry[panicky]{{Name: "in", Run: func(*panicky) kmodule.FlowID {
			panic("boom")
		}}},
	}))
	f.reg.MustMemory(kmodule.DefineMemory("tracked", func() kmodule.Memory {
		f.live++
		return &tracked{live: &f.live}
	}))
	f.reg.MustRoot(kmodule.DefineRoot(kmodule.RootDef[gate]{
		Name:     "gate",
		New:      func(p *kmodule.RootPorts) *gate { return &gate{ports: p} },
		Exits:    []string{"open", "close"},
		Memories: []kmodule.MemoryPort{{Name: "level", Type: "int32"}},
	}))
	assert.NoError(t, f.reg.Err())
	t.Cleanup(func() { _ = f.reg.Close() })
	return f
}

func encode(t *testing.T, b *kproject.Builder) []byte {
	t.Helper()
	data, err := b.Bytes()
	assert.NoError(t, err)
	return data
}

func startEngine(t *testing.T, f *fixture, data []byte, opts ...flowvm.Option) *flowvm.Engine {
	t.Helper()
	e := flowvm.New(f.reg, opts...)
	assert.NoError(t, e.LoadProject(data))
	assert.NoError(t, e.Run())
	t.Cleanup(func() { assert.NoError(t, e.UnloadProject()) })
	return e
}

func readInt32(t *testing.T) func(b []byte, err error) int32 {
	return func(b []byte, err error) int32 {
		t.Helper()
		assert.NoError(t, err)
		v, err := std.DecodeInt32(b)
		assert.NoError(t, err)
		return v
	}
}

func TestConcurrentRootSignals(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	s := b.Scheme("main")
	counter := s.Memory("int32", nil)
	inc := s.Logic("increment").Updates("counter", counter)
	s.Connect(start.Exit("go"), inc.Entry("in"))

	e := startEngine(t, f, encode(t, b))
	flow, err := e.RootExit("start", "go")
	assert.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 125; i++ {
				e.RootSignal(flow)
			}
		}()
	}
	wg.Wait()
	e.WaitAllSchemes()

	assert.Equal(t, int32(1000), readInt32(t)(e.ReadSchemeMemory(0, 0)))
}

func TestChainOrder(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	s := b.Scheme("main")
	a, bb, c := s.Logic("A"), s.Logic("B"), s.Logic("C")
	s.Connect(start.Exit("go"), a.Entry("in"))
	s.Chain(a, bb, c)

	e := startEngine(t, f, encode(t, b))
	st, err := flowvm.RootModule[std.Start](e)
	assert.NoError(t, err)
	st.Fire()
	e.WaitAllSchemes()

	assert.Equal(t, []string{"A", "B", "C"}, f.trace.get())
	pending, err := e.Pending(0)
	assert.NoError(t, err)
	assert.Equal(t, 0, pending)
	_, err = e.Pending(1)
	assert.IsError(t, err, flowvm.ErrNotFound)
}

func TestBadMagic(t *testing.T) {
	f := newFixture(t)
	e := flowvm.New(f.reg)

	err := e.LoadProject([]byte("XXXX\x00\x01"))
	assert.IsError(t, err, flowvm.ErrInvalidFormat)
	assert.Equal(t, 0, e.Schemes())
	assert.IsError(t, e.Run(), flowvm.ErrNoProject)
	assert.NoError(t, e.UnloadProject())
}

func TestSignalOrderFromOneGoroutine(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	g := b.Root("gate")
	s := b.Scheme("main")
	s.Connect(g.Exit("open"), s.Logic("A").Entry("in"))
	s.Connect(g.Exit("close"), s.Logic("B").Entry("in"))

	e := startEngine(t, f, encode(t, b))
	open, err := e.RootExit("gate", "open")
	assert.NoError(t, err)
	closed, err := e.RootExit("gate", "close")
	assert.NoError(t, err)

	var want []string
	for i := 0; i < 500; i++ {
		e.RootSignal(open)
		e.RootSignal(closed)
		want = append(want, "A", "B")
	}
	e.WaitAllSchemes()
	assert.Equal(t, want, f.trace.get())
}

func TestLongSelfLoop(t *testing.T) {
	const n = 100_000
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	s := b.Scheme("main")
	left := s.Memory("int32", std.EncodeInt32(n))
	cd := s.Logic("countdown").Updates("n", left)
	s.Connect(start.Exit("go"), cd.Entry("in"))
	s.Connect(cd.Exit("again"), cd.Entry("in"))
	s.Connect(cd.Exit("done"), s.Logic("A").Entry("in"))

	e := startEngine(t, f, encode(t, b))
	flow, err := e.RootExit("start", "go")
	assert.NoError(t, err)
	e.RootSignal(flow)
	e.WaitAllSchemes()

	assert.Equal(t, int32(0), readInt32(t)(e.ReadSchemeMemory(0, 0)))
	assert.Equal(t, []string{"A"}, f.trace.get())
}

func TestLongChain(t *testing.T) {
	const n = 100_000
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	s := b.Scheme("main")
	mods := make([]kproject.Logic, n)
	for i := range mods {
		mods[i] = s.Logic("tick")
	}
	s.Connect(start.Exit("go"), mods[0].Entry("in"))
	s.Chain(mods...)

	e := startEngine(t, f, encode(t, b))
	flow, err := e.RootExit("start", "go")
	assert.NoError(t, err)
	e.RootSignal(flow)
	e.WaitAllSchemes()

	assert.Equal(t, n, f.ticks)
	pending, err := e.Pending(0)
	assert.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestUnwiredSlotsAreSafe(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	b.Root("gate")
	s := b.Scheme("main")
	// No counter bound and no exit wired.
	inc := s.Logic("increment")
	s.Connect(start.Exit("go"), inc.Entry("in"))
	s.Logic("add")

	e := startEngine(t, f, encode(t, b))
	flow, err := e.RootExit("start", "go")
	assert.NoError(t, err)
	unwired, err := e.RootExit("gate", "open")
	assert.NoError(t, err)

	e.RootSignal(flow)
	e.RootSignal(unwired)
	e.RootSignal(flowvm.FlowID(1 << 20))
	e.RootSignal(kmodule.Nowhere)
	e.RootSignal(kmodule.Sync)
	e.WaitAllSchemes()

	_, err = e.ReadMemory(kwire.PositionRoot, 0)
	assert.IsError(t, err, flowvm.ErrNotFound)
}

func TestPanicKeepsSchemeRunning(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	g := b.Root("gate")
	s := b.Scheme("main")
	s.Connect(g.Exit("open"), s.Logic("panic").Entry("in"))
	s.Connect(g.Exit("close"), s.Logic("A").Entry("in"))

	e := startEngine(t, f, encode(t, b))
	open, _ := e.RootExit("gate", "open")
	closed, _ := e.RootExit("gate", "close")
	e.RootSignal(open)
	e.RootSignal(closed)
	e.WaitAllSchemes()
	assert.Equal(t, []string{"A"}, f.trace.get())
}

func TestSignalsReachEveryWiringScheme(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	counter := b.Global("int32", nil)
	for i := 0; i < 3; i++ {
		s := b.Scheme(fmt.Sprintf("s%d", i))
		s.Connect(start.Exit("go"), s.Logic("increment").Updates("counter", counter).Entry("in"))
	}
	// A scheme that does not wire the exit never sees it.
	b.Scheme("idle").Logic("A")

	e := startEngine(t, f, encode(t, b))
	assert.Equal(t, 4, e.Schemes())
	assert.Equal(t, []string{"s0", "s1", "s2", "idle"}, e.SchemeNames())

	flow, _ := e.RootExit("start", "go")
	for i := 0; i < 10; i++ {
		e.RootSignal(flow)
	}
	e.WaitAllSchemes()
	assert.Equal(t, int32(30), readInt32(t)(e.ReadMemory(kwire.PositionGlobal, 0)))
	assert.Equal(t, 0, len(f.trace.get()))
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	b.Global("tracked", nil)
	s := b.Scheme("main")
	s.Memory("tracked", nil)
	s.Connect(start.Exit("go"), s.Logic("A").Entry("in"))
	data := encode(t, b)

	e := flowvm.New(f.reg)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", e.LoadID().String())

	assert.NoError(t, e.LoadProject(data))
	assert.Equal(t, 2, f.live)
	assert.IsError(t, e.LoadProject(data), flowvm.ErrProjectLoaded)
	first := e.LoadID()

	// Barrier on a loaded but stopped project returns at once.
	e.WaitAllSchemes()

	assert.NoError(t, e.Run())
	e.Stop()
	assert.NoError(t, e.Join())
	e.WaitAllSchemes()

	assert.NoError(t, e.UnloadProject())
	assert.Equal(t, 0, f.live)
	assert.Equal(t, 0, e.Schemes())
	assert.NoError(t, e.UnloadProject())

	assert.NoError(t, e.LoadProject(data))
	assert.NotEqual(t, first, e.LoadID())
	assert.NoError(t, e.Run())
	assert.NoError(t, e.UnloadProject())
	assert.Equal(t, 0, f.live)
}

func TestNoProject(t *testing.T) {
	f := newFixture(t)
	e := flowvm.New(f.reg)

	e.RootSignal(0)
	e.WaitAllSchemes()
	e.Stop()
	assert.NoError(t, e.Join())
	assert.Equal(t, 0, e.Schemes())

	_, err := flowvm.RootModule[std.Start](e)
	assert.IsError(t, err, flowvm.ErrNotFound)
	_, err = e.RootExit("start", "go")
	assert.IsError(t, err, flowvm.ErrNoProject)
	_, err = e.ReadMemory(kwire.PositionGlobal, 0)
	assert.IsError(t, err, flowvm.ErrNoProject)
	_, err = e.Pending(0)
	assert.IsError(t, err, flowvm.ErrNoProject)
}

type unregistered struct{}

func TestRootLookup(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	level := b.Root("gate").Memory("level", "int32", std.EncodeInt32(9))
	out := b.Global("int32", nil)
	s := b.Scheme("main")
	s.Connect(start.Exit("go"), s.Logic("copy").Reads("src", level).Writes("dst", out).Entry("in"))

	e := startEngine(t, f, encode(t, b))

	_, err := flowvm.RootModule[std.Start](e)
	assert.NoError(t, err)
	_, err = flowvm.RootModule[gate](e)
	assert.NoError(t, err)
	_, err = flowvm.RootModule[std.Input](e)
	assert.IsError(t, err, flowvm.ErrNotFound)
	_, err = flowvm.RootModule[unregistered](e)
	assert.IsError(t, err, flowvm.ErrNotFound)

	open, err := e.RootExit("gate", "open")
	assert.NoError(t, err)
	assert.Equal(t, flowvm.FlowID(1), open)
	_, err = e.RootExit("gate", "nope")
	assert.IsError(t, err, flowvm.ErrNotFound)
	_, err = e.RootExit("input", "changed")
	assert.IsError(t, err, flowvm.ErrNotFound)

	st, _ := flowvm.RootModule[std.Start](e)
	st.Fire()
	e.WaitAllSchemes()
	assert.Equal(t, int32(9), readInt32(t)(e.ReadMemory(kwire.PositionGlobal, 0)))

	g, _ := flowvm.RootModule[gate](e)
	g.setLevel(10)
	st.Fire()
	e.WaitAllSchemes()
	assert.Equal(t, int32(10), readInt32(t)(e.ReadMemory(kwire.PositionRoot, 0)))
	assert.Equal(t, int32(10), readInt32(t)(e.ReadMemory(kwire.PositionGlobal, 0)))

	_, err = e.ReadMemory(kwire.PositionScheme, 0)
	assert.IsError(t, err, flowvm.ErrInvalidPosition)
	_, err = e.ReadSchemeMemory(1, 0)
	assert.IsError(t, err, flowvm.ErrNotFound)
}

func TestLoadErrorsRollBack(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *kwire.Project)
		want   error
	}{
		{
			name:   "unknown type name",
			mutate: func(p *kwire.Project) { p.LogicTypes[0] = "missing" },
			want:   flowvm.ErrUnknownType,
		},
		{
			name: "logic type id out of range",
			mutate: func(p *kwire.Project) {
				p.Schemes[1].LogicModules = append(p.Schemes[1].LogicModules, 7)
			},
			want: flowvm.ErrUnknownType,
		},
		{
			name:   "duplicate root",
			mutate: func(p *kwire.Project) { p.RootModules = append(p.RootModules, p.RootModules[0]) },
			want:   flowvm.ErrInvalidReference,
		},
		{
			name: "root memory exit out of range",
			mutate: func(p *kwire.Project) {
				p.RootModules[1].Memories[0].ExitID = 3
			},
			want: flowvm.ErrUnknownMemory,
		},
		{
			name: "root memory of the wrong type",
			mutate: func(p *kwire.Project) {
				p.RootModules[1].Memories[0].Type = 0
			},
			want: flowvm.ErrTypeMismatch,
		},
		{
			name: "dangling global reference",
			mutate: func(p *kwire.Project) {
				p.Schemes[1].LogicMemories[0] = kwire.LogicMemories{
					EntryExits: []kwire.MemoryRef{{Slot: 0, Position: kwire.PositionGlobal, Target: 5}},
				}
			},
			want: flowvm.ErrUnknownMemory,
		},
		{
			name: "constant written by logic",
			mutate: func(p *kwire.Project) {
				p.Schemes[1].LogicMemories[0] = kwire.LogicMemories{
					EntryExits: []kwire.MemoryRef{{Slot: 0, Position: kwire.PositionConstant, Target: 0}},
				}
			},
			want: flowvm.ErrInvalidPosition,
		},
		{
			name: "root memory written by logic",
			mutate: func(p *kwire.Project) {
				p.Schemes[1].LogicMemories[0] = kwire.LogicMemories{
					EntryExits: []kwire.MemoryRef{{Slot: 0, Position: kwire.PositionRoot, Target: 0}},
				}
			},
			want: flowvm.ErrInvalidPosition,
		},
		{
			name: "root signal out of range",
			mutate: func(p *kwire.Project) {
				p.Schemes[1].RootSignalExits = append(p.Schemes[1].RootSignalExits,
					kwire.SignalEdge{Exit: 9, Target: kwire.LogicTarget(0, 0)})
			},
			want: flowvm.ErrUnknownSignal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b := kproject.New(f.reg)
			b.Global("tracked", nil)
			start := b.Root("start")
			b.Root("gate").Memory("level", "int32", nil)
			b.Const("int32", std.EncodeInt32(5))
			first := b.Scheme("first")
			first.Memory("tracked", nil)
			first.Connect(start.Exit("go"), first.Logic("A").Entry("in"))
			second := b.Scheme("second")
			second.Logic("increment").Updates("counter", second.Memory("int32", nil))
			p := b.MustBuild()
			// Memory type 0 is "tracked", the first name interned.
			assert.Equal(t, "tracked", p.MemoryTypes[0])
			tt.mutate(p)

			reg := prometheus.NewRegistry()
			e := flowvm.New(f.reg, flowvm.WithMetrics(reg))
			err := e.LoadProject(kwire.Encode(p))
			assert.IsError(t, err, tt.want)
			assert.Equal(t, 0, e.Schemes())
			assert.Equal(t, 0, f.live)
			assert.Equal(t, 1.0, metricValue(t, reg, "flowvm_project_load_errors_total"))
		})
	}
}

func TestConstantsStayUnchangedAcrossLoads(t *testing.T) {
	f := newFixture(t)

	writer := kproject.New(f.reg)
	start := writer.Root("start")
	s := writer.Scheme("main")
	s.Connect(start.Exit("go"), s.Logic("increment").Updates("counter", writer.Const("int32", std.EncodeInt32(5))).Entry("in"))
	e := flowvm.New(f.reg)
	assert.IsError(t, e.LoadProject(encode(t, writer)), flowvm.ErrInvalidPosition)

	reader := kproject.New(f.reg)
	start = reader.Root("start")
	five := reader.Const("int32", std.EncodeInt32(5))
	out := reader.Global("int32", nil)
	s = reader.Scheme("main")
	s.Connect(start.Exit("go"), s.Logic("copy").Reads("src", five).Writes("dst", out).Entry("in"))
	data := encode(t, reader)

	// The second load gets the same pooled constant cell.
	for i := 0; i < 2; i++ {
		assert.NoError(t, e.LoadProject(data))
		assert.NoError(t, e.Run())
		flow, err := e.RootExit("start", "go")
		assert.NoError(t, err)
		e.RootSignal(flow)
		e.WaitAllSchemes()
		assert.Equal(t, int32(5), readInt32(t)(e.ReadMemory(kwire.PositionGlobal, 0)))
		assert.Equal(t, int32(5), readInt32(t)(e.ReadMemory(kwire.PositionConstant, 0)))
		assert.NoError(t, e.UnloadProject())
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	b := kproject.New(f.reg)
	start := b.Root("start")
	s := b.Scheme("main")
	a := s.Logic("A")
	s.Connect(start.Exit("go"), a.Entry("in"))
	s.Chain(a, s.Logic("B"))

	reg := prometheus.NewRegistry()
	e := startEngine(t, f, encode(t, b), flowvm.WithMetrics(reg), flowvm.WithLog(flowvm.NullLogger()))
	flow, _ := e.RootExit("start", "go")
	for i := 0; i < 3; i++ {
		e.RootSignal(flow)
	}
	e.WaitAllSchemes()

	assert.Equal(t, 1.0, metricValue(t, reg, "flowvm_project_loads_total"))
	assert.Equal(t, 1.0, metricValue(t, reg, "flowvm_schemes_live"))
	assert.Equal(t, 3.0, metricValue(t, reg, "flowvm_root_signals_total"))
	assert.Equal(t, 6.0, metricValue(t, reg, "flowvm_invocations_total"))
}

// metricValue returns the value of the first series of the named counter
// or gauge.
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	assert.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			return m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
