package kwire

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/exp/constraints"
)

// Sentinel errors for malformed input.
var (
	ErrInvalidFormat      = errors.New("invalid format")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrInvalidEnum        = errors.New("invalid enum value")
	ErrTooLarge           = errors.New("declared length exceeds input")
)

// Encoder appends big-endian encoded values to an in-memory buffer.
// It never fails; callers retrieve the result with Bytes.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an Encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes. The slice aliases the encoder's buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

func putInt[T constraints.Integer](e *Encoder, v T, size int) {
	u := uint64(v)
	for i := size - 1; i >= 0; i-- {
		e.buf = append(e.buf, byte(u>>(8*uint(i))))
	}
}

func (e *Encoder) U8(v uint8)   { putInt(e, v, 1) }
func (e *Encoder) U16(v uint16) { putInt(e, v, 2) }
func (e *Encoder) U32(v uint32) { putInt(e, v, 4) }
func (e *Encoder) U64(v uint64) { putInt(e, v, 8) }
func (e *Encoder) I32(v int32)  { putInt(e, v, 4) }
func (e *Encoder) I64(v int64)  { putInt(e, v, 8) }

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Blob writes a length-prefixed byte slice.
func (e *Encoder) Blob(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Str writes a length-prefixed UTF-8 string.
func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutVec writes a count followed by each element.
func PutVec[T any](e *Encoder, items []T, put func(*Encoder, T)) {
	e.U32(uint32(len(items)))
	for _, it := range items {
		put(e, it)
	}
}

// PutMap writes a count followed by key/value pairs in ascending key order,
// so equal maps always encode to equal bytes.
func PutMap[K constraints.Ordered, V any](e *Encoder, m map[K]V, putKey func(*Encoder, K), putValue func(*Encoder, V)) {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	e.U32(uint32(len(keys)))
	for _, k := range keys {
		putKey(e, k)
		putValue(e, m[k])
	}
}

// Decoder reads big-endian values from a byte slice. The first error is
// sticky: once a read fails every further read returns the zero value and
// Err reports the original failure.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder creates a Decoder over data. The slice is not copied.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.off
}

// Offset returns the current read position.
func (d *Decoder) Offset() int {
	return d.off
}

// Fail records err unless an earlier error is already recorded.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d: %w",
			ErrInvalidFormat, n, d.off, d.Remaining(), io.ErrUnexpectedEOF)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func readInt[T constraints.Integer](d *Decoder, size int) T {
	b := d.take(size)
	if b == nil {
		return 0
	}
	var u uint64
	for _, c := range b {
		u = u<<8 | uint64(c)
	}
	return T(u)
}

func (d *Decoder) U8() uint8   { return readInt[uint8](d, 1) }
func (d *Decoder) U16() uint16 { return readInt[uint16](d, 2) }
func (d *Decoder) U32() uint32 { return readInt[uint32](d, 4) }
func (d *Decoder) U64() uint64 { return readInt[uint64](d, 8) }
func (d *Decoder) I32() int32  { return readInt[int32](d, 4) }
func (d *Decoder) I64() int64  { return readInt[int64](d, 8) }

// Raw reads exactly n bytes. The result aliases the input.
func (d *Decoder) Raw(n int) []byte {
	return d.take(n)
}

// Blob reads a length-prefixed byte slice and returns a copy.
func (d *Decoder) Blob() []byte {
	n := d.length(1)
	b := d.take(n)
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}

// Str reads a length-prefixed string.
func (d *Decoder) Str() string {
	n := d.length(1)
	return string(d.take(n))
}

// length reads a u32 count and checks that count*minElem bytes can still
// follow, so a corrupted count cannot trigger a huge allocation.
func (d *Decoder) length(minElem int) int {
	n := int(d.U32())
	if d.err != nil {
		return 0
	}
	if minElem > 0 && n > d.Remaining()/minElem {
		d.err = fmt.Errorf("%w: count %d at offset %d, %d bytes left",
			ErrTooLarge, n, d.off-4, d.Remaining())
		return 0
	}
	return n
}

// ReadVec reads a count followed by that many elements. minElem is the
// smallest encoded size of one element and bounds the declared count.
func ReadVec[T any](d *Decoder, minElem int, read func(*Decoder) T) []T {
	n := d.length(minElem)
	if d.err != nil {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, read(d))
	}
	if d.err != nil {
		return nil
	}
	return out
}

// ReadMap reads a count followed by key/value pairs. Duplicate keys are
// rejected as malformed input.
func ReadMap[K comparable, V any](d *Decoder, minElem int, readKey func(*Decoder) K, readValue func(*Decoder) V) map[K]V {
	n := d.length(minElem)
	if d.err != nil {
		return nil
	}
	out := make(map[K]V, n)
	for i := 0; i < n && d.err == nil; i++ {
		k := readKey(d)
		v := readValue(d)
		if d.err != nil {
			break
		}
		if _, dup := out[k]; dup {
			d.err = fmt.Errorf("%w: duplicate map key %v", ErrInvalidFormat, k)
			break
		}
		out[k] = v
	}
	if d.err != nil {
		return nil
	}
	return out
}
