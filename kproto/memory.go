// Package kproto defines memory types backed by protobuf messages. The
// memory's binary contract is the message's wire encoding, so initial
// content and snapshots are plain protobuf bytes.
package kproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/birdayz/flowvm/kmodule"
)

// Message is the memory of a protobuf memory type.
type Message[T proto.Message] struct {
	Msg T

	validate func(proto.Message) error
}

// Proto returns the held message without its static type.
func (m *Message[T]) Proto() proto.Message {
	return m.Msg
}

func (m *Message[T]) MarshalBinary() ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m.Msg)
}

// UnmarshalBinary replaces the message with data. With validation
// enabled, content that violates the message's rules is rejected and the
// previous message is kept.
func (m *Message[T]) UnmarshalBinary(data []byte) error {
	msg := m.Msg.ProtoReflect().New().Interface().(T)
	if err := proto.Unmarshal(data, msg); err != nil {
		return err
	}
	if m.validate != nil {
		if err := m.validate(msg); err != nil {
			return &ValidationError{Message: string(msg.ProtoReflect().Descriptor().FullName()), Err: err}
		}
	}
	m.Msg = msg
	return nil
}

type config struct {
	validate func(proto.Message) error
}

// Option configures a protobuf memory type.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	c := &config{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefineMemory creates a memory type named name holding messages of type
// T. newFn returns an empty message.
func DefineMemory[T proto.Message](name string, newFn func() T, opts ...Option) (*kmodule.MemoryType, error) {
	c, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("memory type %q: %w", name, err)
	}
	return define(c, name, newFn), nil
}

// MustDefineMemory is like DefineMemory but panics on error.
func MustDefineMemory[T proto.Message](name string, newFn func() T, opts ...Option) *kmodule.MemoryType {
	t, err := DefineMemory(name, newFn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// As returns the message held by c.
func As[T proto.Message](c *kmodule.Cell) (T, bool) {
	m, ok := kmodule.As[*Message[T]](c)
	if !ok {
		var zero T
		return zero, false
	}
	return m.Msg, true
}

// JSON renders m as protojson if it is a protobuf memory.
func JSON(m kmodule.Memory) (string, bool) {
	pm, ok := m.(interface{ Proto() proto.Message })
	if !ok {
		return "", false
	}
	b, err := protojson.Marshal(pm.Proto())
	if err != nil {
		return "", false
	}
	return string(b), true
}
