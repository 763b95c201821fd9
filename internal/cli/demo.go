package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/birdayz/flowvm/kproject"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/modules/std"
)

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a sample project",
		Long: `Write a small project using the standard library: firing start:go
runs a custom module that increments the global "total" twice and then
logs it.

Example:
  flowvm demo -o counter.flvm && flowvm run counter.flvm --fire start:go --dump`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := DemoProject()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to build demo project", err)
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write project", err)
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format,
				map[string]any{"file": output, "size": len(data)},
				func(w io.Writer) { fmt.Fprintf(w, "wrote %s (%d bytes)\n", output, len(data)) })
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// DemoProject builds the demo project.
func DemoProject() ([]byte, error) {
	reg := kregistry.New().Use(std.Library())
	if err := reg.Err(); err != nil {
		return nil, err
	}
	b := kproject.New(reg)
	start := b.Root("start")
	total := b.Global("int32", nil)

	twice := b.Template("twice").Outputs(1).MemoryPorts(1)
	first := twice.Logic("increment").Updates("counter", twice.Boundary(0))
	second := twice.Logic("increment").Updates("counter", twice.Boundary(0))
	twice.Chain(first, second)
	twice.Connect(second.Exit("out"), twice.Output(0))
	twice.Inputs(first.Entry("in"))

	s := b.Scheme("main")
	c := s.Custom(twice).Bind(0, total)
	l := s.Logic("log").Reads("value", total)
	s.Connect(start.Exit("go"), c.Input(0))
	s.Connect(c.Output(0), l.Entry("in"))

	return b.Bytes()
}
