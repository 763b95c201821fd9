package kregistry

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

type box struct {
	data   []byte
	closed *int
}

func (b *box) UnmarshalBinary(p []byte) error {
	b.data = append([]byte(nil), p...)
	return nil
}

func (b *box) Close() error {
	if b.closed != nil {
		*b.closed++
	}
	return nil
}

type rootA struct{}
type rootB struct{}
type logicA struct{}

func boxType(name string, closed *int) *kmodule.MemoryType {
	return kmodule.DefineMemory(name, func() kmodule.Memory { return &box{closed: closed} })
}

func rootType[T any](name string) *kmodule.RootType {
	return kmodule.DefineRoot(kmodule.RootDef[T]{
		Name: name,
		New:  func(*kmodule.RootPorts) *T { return new(T) },
	})
}

func logicType(name string) *kmodule.LogicType {
	return kmodule.DefineLogic(kmodule.LogicDef[logicA]{
		Name: name,
		New:  func(*kmodule.Ports) *logicA { return &logicA{} },
	})
}

func TestDenseIDs(t *testing.T) {
	r := New()

	m0, err := r.RegisterMemoryModuleType(boxType("a", nil))
	assert.NoError(t, err)
	m1, err := r.RegisterMemoryModuleType(boxType("b", nil))
	assert.NoError(t, err)
	r0, err := r.RegisterRootModuleType(rootType[rootA]("start"))
	assert.NoError(t, err)
	l0, err := r.RegisterLogicModuleType(logicType("inc"))
	assert.NoError(t, err)

	assert.Equal(t, MemoryTypeID(0), m0)
	assert.Equal(t, MemoryTypeID(1), m1)
	assert.Equal(t, RootTypeID(0), r0)
	assert.Equal(t, LogicTypeID(0), l0)

	mem, mc, lc := r.Counts()
	assert.Equal(t, 2, mem)
	assert.Equal(t, 1, mc)
	assert.Equal(t, 1, lc)
	assert.NoError(t, r.Err())
}

func TestLookups(t *testing.T) {
	r := New()
	r.MustMemory(boxType("bytes", nil))
	start := rootType[rootA]("start")
	r.MustRoot(start)
	r.MustLogic(logicType("inc"))

	id, mt, err := r.MemoryByName("bytes")
	assert.NoError(t, err)
	assert.Equal(t, MemoryTypeID(0), id)
	assert.Equal(t, "bytes", mt.Name())

	_, _, err = r.MemoryByName("missing")
	assert.IsError(t, err, ErrUnknownType)
	_, _, err = r.RootByName("missing")
	assert.IsError(t, err, ErrUnknownType)
	_, _, err = r.LogicByName("missing")
	assert.IsError(t, err, ErrUnknownType)

	rid, ok := r.RootByKey(start.Key())
	assert.True(t, ok)
	assert.Equal(t, RootTypeID(0), rid)
	_, ok = r.RootByKey(rootType[rootB]("other").Key())
	assert.False(t, ok)

	_, ok = r.Memory(5)
	assert.False(t, ok)
	_, ok = r.Root(1)
	assert.False(t, ok)
	lt, ok := r.Logic(0)
	assert.True(t, ok)
	assert.Equal(t, "inc", lt.Name())
}

func TestRegistrationErrors(t *testing.T) {
	tests := []struct {
		name     string
		register func(r *Registry) error
		want     error
	}{
		{
			name: "empty name",
			register: func(r *Registry) error {
				_, err := r.RegisterMemoryModuleType(boxType("", nil))
				return err
			},
			want: ErrInvalidName,
		},
		{
			name: "separator",
			register: func(r *Registry) error {
				_, err := r.RegisterLogicModuleType(logicType("std:inc"))
				return err
			},
			want: ErrInvalidName,
		},
		{
			name: "whitespace",
			register: func(r *Registry) error {
				_, err := r.RegisterRootModuleType(rootType[rootA]("my root"))
				return err
			},
			want: ErrInvalidName,
		},
		{
			name: "duplicate memory",
			register: func(r *Registry) error {
				r.MustMemory(boxType("x", nil))
				_, err := r.RegisterMemoryModuleType(boxType("x", nil))
				return err
			},
			want: ErrDuplicateName,
		},
		{
			name: "duplicate logic",
			register: func(r *Registry) error {
				r.MustLogic(logicType("x"))
				_, err := r.RegisterLogicModuleType(logicType("x"))
				return err
			},
			want: ErrDuplicateName,
		},
		{
			name: "duplicate root key",
			register: func(r *Registry) error {
				r.MustRoot(rootType[rootA]("first"))
				_, err := r.RegisterRootModuleType(rootType[rootA]("second"))
				return err
			},
			want: ErrDuplicateKey,
		},
		{
			name: "same name different kinds",
			register: func(r *Registry) error {
				r.MustMemory(boxType("x", nil))
				r.MustLogic(logicType("x"))
				_, err := r.RegisterRootModuleType(rootType[rootA]("x"))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := tt.register(r)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.IsError(t, err, tt.want)
			assert.IsError(t, r.Err(), tt.want)
		})
	}
}

func TestStickyFirstError(t *testing.T) {
	r := New()
	_, err := r.RegisterMemoryModuleType(boxType("bad name", nil))
	assert.IsError(t, err, ErrInvalidName)

	// Later valid registrations are no-ops returning the first error.
	_, err = r.RegisterMemoryModuleType(boxType("good", nil))
	assert.IsError(t, err, ErrInvalidName)
	_, err = r.RegisterLogicModuleType(logicType("inc"))
	assert.IsError(t, err, ErrInvalidName)

	mem, _, logic := r.Counts()
	assert.Equal(t, 0, mem)
	assert.Equal(t, 0, logic)
	assert.IsError(t, r.Err(), ErrInvalidName)
}

func TestMustPanics(t *testing.T) {
	r := New()
	assert.Panics(t, func() { r.MustMemory(boxType("", nil)) })
}

func TestUse(t *testing.T) {
	lib := func(r *Registry) {
		r.MustMemory(boxType("a", nil))
		r.MustLogic(logicType("b"))
	}
	r := New().Use(lib)
	assert.NoError(t, r.Err())
	_, _, err := r.LogicByName("b")
	assert.NoError(t, err)
}

func TestConstantPool(t *testing.T) {
	closed := 0
	r := New()
	id := r.MustMemory(boxType("bytes", &closed))
	other := r.MustMemory(boxType("other", &closed))

	a, err := r.Constant(id, []byte("hello"))
	assert.NoError(t, err)
	b, err := r.Constant(id, []byte("hello"))
	assert.NoError(t, err)
	c, err := r.Constant(id, []byte("world"))
	assert.NoError(t, err)
	d, err := r.Constant(other, []byte("hello"))
	assert.NoError(t, err)

	assert.True(t, a == b)
	assert.True(t, a != c)
	assert.True(t, a != d)
	assert.Equal(t, 3, r.Constants())
	assert.Equal(t, kwire.PositionConstant, a.Position)
	assert.False(t, a.Guarded())

	v, ok := kmodule.As[*box](a)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), v.data)

	_, err = r.Constant(99, nil)
	assert.IsError(t, err, ErrUnknownType)

	assert.NoError(t, r.Close())
	assert.Equal(t, 3, closed)
	assert.Equal(t, 0, r.Constants())

	// Idempotent.
	assert.NoError(t, r.Close())
	assert.Equal(t, 3, closed)

	_, err = r.Constant(id, []byte("late"))
	assert.IsError(t, err, ErrClosed)
}
