package cli

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/birdayz/flowvm/kproto"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
	"github.com/birdayz/flowvm/modules/std"
)

// newRegistry returns a registry holding the std library and the
// protobuf memory types.
func newRegistry(log *slog.Logger) (*kregistry.Registry, error) {
	reg := kregistry.New(kregistry.WithLog(log)).Use(
		std.Library(std.WithLog(log.With("module", "log"))),
		kproto.Library(kproto.WithValidation()),
	)
	if err := reg.Err(); err != nil {
		return nil, err
	}
	return reg, nil
}

// readProject reads and decodes a project file.
func readProject(path string) ([]byte, *kwire.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to read project", err)
	}
	p, err := kwire.Decode(data)
	if err != nil {
		return nil, nil, WrapExitError(ExitFailure, "failed to decode project", err)
	}
	return data, p, nil
}

// render formats a memory snapshot of the named type for display.
func render(reg *kregistry.Registry, typeName string, b []byte) string {
	if _, t, err := reg.MemoryByName(typeName); err == nil {
		if m, err := t.Create(b); err == nil {
			if s, ok := kproto.JSON(m); ok {
				return s
			}
		}
	}
	switch typeName {
	case "int32":
		if v, err := std.DecodeInt32(b); err == nil {
			return strconv.FormatInt(int64(v), 10)
		}
	case "int64":
		if v, err := std.DecodeInt64(b); err == nil {
			return strconv.FormatInt(v, 10)
		}
	case "string":
		return strconv.Quote(string(b))
	}
	return "0x" + hex.EncodeToString(b)
}

func typeName(p *kwire.Project, id uint32) string {
	if int(id) < len(p.MemoryTypes) {
		return p.MemoryTypes[id]
	}
	return fmt.Sprintf("#%d", id)
}
