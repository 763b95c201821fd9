package kproto

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/birdayz/flowvm/kmodule"
	"github.com/birdayz/flowvm/kregistry"
)

// Library registers memory types for well-known protobuf messages:
// pb.string, pb.int64, pb.bool, pb.timestamp and pb.struct.
func Library(opts ...Option) kregistry.Library {
	return func(r *kregistry.Registry) {
		c, err := newConfig(opts)
		if err != nil {
			r.Fail(err)
			return
		}
		r.RegisterMemoryModuleType(define(c, "pb.string", func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }))
		r.RegisterMemoryModuleType(define(c, "pb.int64", func() *wrapperspb.Int64Value { return &wrapperspb.Int64Value{} }))
		r.RegisterMemoryModuleType(define(c, "pb.bool", func() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} }))
		r.RegisterMemoryModuleType(define(c, "pb.timestamp", func() *timestamppb.Timestamp { return &timestamppb.Timestamp{} }))
		r.RegisterMemoryModuleType(define(c, "pb.struct", func() *structpb.Struct { return &structpb.Struct{} }))
	}
}

func define[T proto.Message](c *config, name string, newFn func() T) *kmodule.MemoryType {
	return kmodule.DefineMemory(name, func() kmodule.Memory {
		return &Message[T]{Msg: newFn(), validate: c.validate}
	})
}
