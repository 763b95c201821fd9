package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/birdayz/flowvm"
	"github.com/birdayz/flowvm/kregistry"
	"github.com/birdayz/flowvm/kwire"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Fire  []string
	Count int
	Dump  bool
}

// RunResult is what run reports once the project is done.
type RunResult struct {
	LoadID  string         `json:"load_id"`
	Schemes []string       `json:"schemes"`
	Signals int            `json:"signals"`
	Globals []MemoryResult `json:"globals,omitempty"`
}

type MemoryResult struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Load a project and inject root signals",
		Long: `Load a project against the standard module library, start every
scheme and fire the given root exits. Each --fire names a root exit as
root` + kregistry.Separator + `exit. The whole list is fired --count times.

Example:
  flowvm run counter.flvm --fire start:go --count 10 --dump`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProject(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringSliceVar(&opts.Fire, "fire", nil, "root exit to fire, as root:exit (repeatable)")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of times to fire the list")
	cmd.Flags().BoolVar(&opts.Dump, "dump", false, "print global memories when done")

	return cmd
}

func parseExit(s string) (root, exit string, err error) {
	root, exit, ok := strings.Cut(s, kregistry.Separator)
	if !ok || root == "" || exit == "" {
		return "", "", fmt.Errorf("invalid root exit %q: want root%sexit", s, kregistry.Separator)
	}
	return root, exit, nil
}

func runProject(ctx context.Context, opts *RunOptions, path string, w, errw io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	log := newLogger(cfg.Logging, opts.Verbose, errw)

	if opts.Count < 0 {
		return WrapExitError(ExitCommandError, "invalid --count", fmt.Errorf("%d is negative", opts.Count))
	}
	type target struct{ root, exit string }
	var targets []target
	for _, f := range opts.Fire {
		root, exit, err := parseExit(f)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --fire", err)
		}
		targets = append(targets, target{root, exit})
	}

	data, p, err := readProject(path)
	if err != nil {
		return err
	}

	reg, err := newRegistry(log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build registry", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("Failed to release constants", "error", err)
		}
	}()

	engineOpts := []flowvm.Option{
		flowvm.WithLog(log),
		flowvm.WithMaxNesting(cfg.Engine.MaxNesting),
	}
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector())
		engineOpts = append(engineOpts, flowvm.WithMetrics(promReg))
		shutdown, err := serveMetrics(log, cfg.Metrics, promReg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer shutdown()
	}

	e := flowvm.New(reg, engineOpts...)
	if err := e.LoadProject(data); err != nil {
		return WrapExitError(ExitFailure, "failed to load project", err)
	}
	defer func() {
		if err := e.UnloadProject(); err != nil {
			log.Error("Failed to unload project", "error", err)
		}
	}()

	flows := make([]flowvm.FlowID, len(targets))
	for i, t := range targets {
		f, err := e.RootExit(t.root, t.exit)
		if err != nil {
			return WrapExitError(ExitFailure, "unknown root exit", err)
		}
		flows[i] = f
	}

	if err := e.Run(); err != nil {
		return WrapExitError(ExitFailure, "failed to start schemes", err)
	}
	log.Info("Running project", "load_id", e.LoadID(), "schemes", len(e.SchemeNames()))

	signals := 0
	for n := 0; n < opts.Count && ctx.Err() == nil; n++ {
		for _, f := range flows {
			e.RootSignal(f)
			signals++
		}
	}
	e.WaitAllSchemes()

	if cfg.Engine.Settle > 0 {
		log.Debug("Settling", "for", cfg.Engine.Settle)
		select {
		case <-time.After(cfg.Engine.Settle):
		case <-ctx.Done():
		}
		e.WaitAllSchemes()
	}

	res := RunResult{
		LoadID:  e.LoadID().String(),
		Schemes: e.SchemeNames(),
		Signals: signals,
	}
	if opts.Dump {
		for i, g := range p.Globals {
			typ := typeName(p, g.Type)
			var value string
			if b, err := e.ReadMemory(kwire.PositionGlobal, i); err != nil {
				value = "<" + err.Error() + ">"
			} else {
				value = render(reg, typ, b)
			}
			res.Globals = append(res.Globals, MemoryResult{Index: i, Type: typ, Value: value})
		}
	}

	e.Stop()
	if err := e.Join(); err != nil {
		return WrapExitError(ExitFailure, "failed to join schemes", err)
	}

	return writeOutput(w, opts.Format, res, func(w io.Writer) {
		fmt.Fprintf(w, "load %s: %d signals over %d schemes\n", res.LoadID, res.Signals, len(res.Schemes))
		for _, g := range res.Globals {
			fmt.Fprintf(w, "  global[%d] %s = %s\n", g.Index, g.Type, g.Value)
		}
	})
}

// serveMetrics exposes reg over HTTP until the returned func is called.
func serveMetrics(log *slog.Logger, cfg MetricsConfig, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	log.Info("Serving metrics", "addr", ln.Addr().String(), "path", cfg.Path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
