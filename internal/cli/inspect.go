package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/birdayz/flowvm"
	"github.com/birdayz/flowvm/kwire"
)

// InspectResult summarises a project file.
type InspectResult struct {
	File        string          `json:"file"`
	Size        int             `json:"size"`
	MemoryTypes []string        `json:"memory_types"`
	RootTypes   []string        `json:"root_types"`
	LogicTypes  []string        `json:"logic_types"`
	Roots       []RootSummary   `json:"roots"`
	Globals     int             `json:"globals"`
	Constants   int             `json:"constants"`
	Templates   []SchemeSummary `json:"templates"`
	Schemes     []SchemeSummary `json:"schemes"`
	Valid       bool            `json:"valid"`
	Error       string          `json:"error,omitempty"`
}

type RootSummary struct {
	Type     string `json:"type"`
	Memories int    `json:"memories"`
}

type SchemeSummary struct {
	Name        string `json:"name"`
	Memories    int    `json:"memories"`
	Logics      int    `json:"logics"`
	Customs     int    `json:"customs"`
	RootEdges   int    `json:"root_edges"`
	SignalEdges int    `json:"signal_edges"`
}

func summarise(s kwire.Scheme) SchemeSummary {
	edges := 0
	for _, e := range s.LogicSignalExits {
		edges += len(e)
	}
	for _, e := range s.CustomSignalExits {
		edges += len(e)
	}
	return SchemeSummary{
		Name:        s.Name,
		Memories:    len(s.MemoryModules),
		Logics:      len(s.LogicModules),
		Customs:     len(s.CustomModules),
		RootEdges:   len(s.RootSignalExits),
		SignalEdges: edges,
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <project>",
		Short: "Summarise and validate a project file",
		Long: `Decode a project file, print its contents and check that it loads
against the standard module library.

Example:
  flowvm inspect counter.flvm
  flowvm inspect counter.flvm --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runInspect(opts *RootOptions, path string, w, errw io.Writer) error {
	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	// Load diagnostics only matter with --verbose.
	log := flowvm.NullLogger()
	if opts.Verbose {
		log = newLogger(cfg.Logging, true, errw)
	}

	data, p, err := readProject(path)
	if err != nil {
		return err
	}

	res := InspectResult{
		File:        path,
		Size:        len(data),
		MemoryTypes: p.MemoryTypes,
		RootTypes:   p.RootTypes,
		LogicTypes:  p.LogicTypes,
		Globals:     len(p.Globals),
		Constants:   len(p.Constants),
	}
	for _, r := range p.RootModules {
		name := fmt.Sprintf("#%d", r.Type)
		if int(r.Type) < len(p.RootTypes) {
			name = p.RootTypes[r.Type]
		}
		res.Roots = append(res.Roots, RootSummary{Type: name, Memories: len(r.Memories)})
	}
	for _, s := range p.Templates {
		res.Templates = append(res.Templates, summarise(s))
	}
	for _, s := range p.Schemes {
		res.Schemes = append(res.Schemes, summarise(s))
	}

	reg, err := newRegistry(log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build registry", err)
	}
	defer reg.Close()

	e := flowvm.New(reg, flowvm.WithLog(log), flowvm.WithMaxNesting(cfg.Engine.MaxNesting))
	loadErr := e.LoadProject(data)
	if loadErr == nil {
		res.Valid = true
		if err := e.UnloadProject(); err != nil {
			return WrapExitError(ExitFailure, "failed to unload project", err)
		}
	} else {
		res.Error = loadErr.Error()
	}

	if err := writeOutput(w, opts.Format, res, func(w io.Writer) { printInspect(w, &res) }); err != nil {
		return err
	}
	if loadErr != nil {
		return WrapExitError(ExitFailure, "project does not load", loadErr)
	}
	return nil
}

func printInspect(w io.Writer, res *InspectResult) {
	fmt.Fprintf(w, "%s (%d bytes)\n", res.File, res.Size)
	fmt.Fprintf(w, "  memory types: %s\n", strings.Join(res.MemoryTypes, ", "))
	fmt.Fprintf(w, "  root types:   %s\n", strings.Join(res.RootTypes, ", "))
	fmt.Fprintf(w, "  logic types:  %s\n", strings.Join(res.LogicTypes, ", "))
	for _, r := range res.Roots {
		fmt.Fprintf(w, "  root %s (%d memories)\n", r.Type, r.Memories)
	}
	fmt.Fprintf(w, "  globals: %d, constants: %d\n", res.Globals, res.Constants)
	for _, s := range res.Templates {
		printScheme(w, "template", s)
	}
	for _, s := range res.Schemes {
		printScheme(w, "scheme", s)
	}
	if res.Valid {
		fmt.Fprintln(w, "  valid")
	} else {
		fmt.Fprintf(w, "  invalid: %s\n", res.Error)
	}
}

func printScheme(w io.Writer, kind string, s SchemeSummary) {
	fmt.Fprintf(w, "  %s %q: %d memories, %d logic, %d custom, %d root edges, %d signal edges\n",
		kind, s.Name, s.Memories, s.Logics, s.Customs, s.RootEdges, s.SignalEdges)
}
