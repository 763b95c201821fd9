package std

import (
	"fmt"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kwire"
)

// Int32 is the memory of type "int32". Its binary form is four big-endian
// bytes.
type Int32 struct {
	V int32
}

func (m *Int32) MarshalBinary() ([]byte, error) {
	e := kwire.NewEncoder(4)
	e.I32(m.V)
	return e.Bytes(), nil
}

func (m *Int32) UnmarshalBinary(data []byte) error {
	d := kwire.NewDecoder(data)
	v := d.I32()
	if err := exact(d); err != nil {
		return fmt.Errorf("int32: %w", err)
	}
	m.V = v
	return nil
}

// Int64 is the memory of type "int64".
type Int64 struct {
	V int64
}

func (m *Int64) MarshalBinary() ([]byte, error) {
	e := kwire.NewEncoder(8)
	e.I64(m.V)
	return e.Bytes(), nil
}

func (m *Int64) UnmarshalBinary(data []byte) error {
	d := kwire.NewDecoder(data)
	v := d.I64()
	if err := exact(d); err != nil {
		return fmt.Errorf("int64: %w", err)
	}
	m.V = v
	return nil
}

// Bytes is the memory of type "bytes". Its binary form is the raw content.
type Bytes struct {
	V []byte
}

func (m *Bytes) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), m.V...), nil
}

func (m *Bytes) UnmarshalBinary(data []byte) error {
	m.V = append([]byte(nil), data...)
	return nil
}

// String is the memory of type "string". Its binary form is the raw UTF-8
// content.
type String struct {
	V string
}

func (m *String) MarshalBinary() ([]byte, error) {
	return []byte(m.V), nil
}

func (m *String) UnmarshalBinary(data []byte) error {
	m.V = string(data)
	return nil
}

func exact(d *kwire.Decoder) error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", kwire.ErrInvalidFormat, d.Remaining())
	}
	return nil
}

var (
	Int32Type  = kmodule.DefineMemory("int32", func() kmodule.Memory { return &Int32{} })
	Int64Type  = kmodule.DefineMemory("int64", func() kmodule.Memory { return &Int64{} })
	BytesType  = kmodule.DefineMemory("bytes", func() kmodule.Memory { return &Bytes{} })
	StringType = kmodule.DefineMemory("string", func() kmodule.Memory { return &String{} })
)

// EncodeInt32 returns the initial content of an int32 memory holding v.
func EncodeInt32(v int32) []byte {
	b, _ := (&Int32{V: v}).MarshalBinary()
	return b
}

// EncodeInt64 returns the initial content of an int64 memory holding v.
func EncodeInt64(v int64) []byte {
	b, _ := (&Int64{V: v}).MarshalBinary()
	return b
}

// DecodeInt32 parses a snapshot of an int32 memory.
func DecodeInt32(b []byte) (int32, error) {
	var m Int32
	err := m.UnmarshalBinary(b)
	return m.V, err
}

// DecodeInt64 parses a snapshot of an int64 memory.
func DecodeInt64(b []byte) (int64, error) {
	var m Int64
	err := m.UnmarshalBinary(b)
	return m.V, err
}
