package kproto

import (
	"fmt"

	"github.com/bufbuild/protovalidate-go"
	"google.golang.org/protobuf/proto"
)

// ValidationError reports content that does not satisfy a message's
// protovalidate rules.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Message, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// WithValidation checks every loaded message against its protovalidate
// rules.
func WithValidation() Option {
	return func(c *config) error {
		v, err := protovalidate.New()
		if err != nil {
			return fmt.Errorf("create validator: %w", err)
		}
		c.validate = func(m proto.Message) error {
			return v.Validate(m)
		}
		return nil
	}
}

// WithValidator is like WithValidation with a caller-supplied check.
func WithValidator(validate func(proto.Message) error) Option {
	return func(c *config) error {
		c.validate = validate
		return nil
	}
}
