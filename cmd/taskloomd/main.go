package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskloom/internal/config"
	"taskloom/internal/core"
	"taskloom/internal/engine"
	"taskloom/internal/filewatch"
	"taskloom/internal/lockfile"
	"taskloom/internal/obslog"
	"taskloom/internal/recovery"
	"taskloom/internal/registry"
	"taskloom/internal/root"
	"taskloom/internal/trace"
)

const (
	exitSuccess           = 0
	exitRunFailure        = 1
	exitInvalidInvocation = 2
	exitConfigError       = 3
	exitInternalError     = 4
)

// bytesEquality is the demo host's TaskBlob equality capability: structural
// comparison for byte slices, == for everything else.
type bytesEquality struct{}

func (bytesEquality) Equal(a, b core.Blob) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok && bok {
		if len(ab) != len(bb) {
			return false
		}
		for i := range ab {
			if ab[i] != bb[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "taskloomd",
		Short:         "taskloomd drives the taskloom incremental computation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a taskloom config file")

	rootCmd.AddCommand(newWatchCmd(&configPath))
	rootCmd.AddCommand(newLockdiffCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return exitConfigError
		}
		var invErr *invocationError
		if errors.As(err, &invErr) {
			return invErr.code
		}
		return exitRunFailure
	}
	return exitSuccess
}

type invocationError struct {
	code int
	msg  string
}

func (e *invocationError) Error() string { return e.msg }

func invalidInvocationf(format string, args ...any) error {
	return &invocationError{code: exitInvalidInvocation, msg: fmt.Sprintf(format, args...)}
}

// newWatchCmd builds the demo host: it roots a read-then-measure pipeline
// over one file, watches its directory, and reports a line per
// stabilization.
func newWatchCmd(configPath *string) *cobra.Command {
	var filePath string
	var once bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a file and keep its derived pipeline stabilized",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				return invalidInvocationf("--file is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := obslog.Init(obslog.Config{
				Level:    cfg.LogLevel,
				JSON:     cfg.LogJSON,
				FilePath: cfg.LogFilePath,
			}); err != nil {
				return err
			}
			log := obslog.Default()

			shutdownTelemetry, err := initTelemetry(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdownTelemetry(context.Background())

			return watchLoop(cmd.Context(), cfg, log, filePath, once)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "file whose derived pipeline to keep stabilized")
	cmd.Flags().BoolVar(&once, "once", false, "stabilize once and exit instead of watching")
	return cmd
}

// initTelemetry installs stdout-exporting trace and metric providers so the
// scheduler's instruments and the drain spans land somewhere observable.
func initTelemetry(ctx context.Context) (func(context.Context) error, error) {
	traceExp, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(time.Minute)),
	))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		terr := tp.Shutdown(ctx)
		merr := mp.Shutdown(ctx)
		if terr != nil {
			return terr
		}
		return merr
	}, nil
}

func watchLoop(ctx context.Context, cfg config.Engine, log obslog.Logger, filePath string, once bool) error {
	recorder := trace.NewRecorder()
	eng, err := engine.New(engine.Options{
		Equality: bytesEquality{},
		Logger:   log,
		PoolSize: cfg.WorkerPoolSize,
		Meter:    otel.Meter("taskloomd"),
		Sink:     recorder,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	readFn, err := eng.RegisterFunction("read_file", nil, func(_ registry.TaskExecContext, args any) (any, error) {
		path := string(args.([]byte)[8:]) // strip the single length prefix
		return os.ReadFile(path)
	})
	if err != nil {
		return err
	}
	measureFn, err := eng.RegisterFunction("measure", nil, func(tc registry.TaskExecContext, args any) (any, error) {
		ec := tc.(*engine.ExecContext)
		path := string(args.([]byte)[8:])
		child, err := ec.Call(readFn, registry.MakeStringArgs(path))
		if err != nil {
			return nil, err
		}
		data, err := ec.ReadOutput(child)
		if err != nil {
			return nil, err
		}
		return len(data.([]byte)), nil
	})
	if err != nil {
		return err
	}

	readID, err := eng.Intern(readFn, registry.MakeStringArgs(filePath))
	if err != nil {
		return err
	}
	measureID, err := eng.Intern(measureFn, registry.MakeStringArgs(filePath))
	if err != nil {
		return err
	}
	eng.ConnectRoot(measureID, root.Persistent)

	store, err := recovery.OpenStore(cfg.CheckpointPath)
	if err != nil {
		log.WithError(err).Warnf("taskloomd: eviction checkpoint store unavailable, sweeping without persistence")
		store = nil
	} else {
		defer store.Close()
	}
	sweeper, err := recovery.NewSweeper(eng, store, recovery.AgeSizePolicy{
		MaxAge:         cfg.EvictionMaxAge,
		MaxDescendants: 64,
	}, log)
	if err != nil {
		return err
	}
	if err := sweeper.Start(cfg.EvictionSweepInterval); err != nil {
		return err
	}
	defer sweeper.Stop()

	report := func() error {
		res, ok := eng.UpdateInfo(ctx, cfg.UpdateMinDelay, cfg.UpdateMaxTimeout)
		if !ok {
			return fmt.Errorf("taskloomd: stabilization timed out after %s", cfg.UpdateMaxTimeout)
		}
		if hash, err := recorder.Trace(eng.SessionID()).Hash(); err == nil {
			log.WithField("trace_hash", hash).Debugf("taskloomd: stabilization trace")
		}
		out, err := eng.ReadTaskOutput(ctx, measureID)
		if err != nil {
			log.WithError(err).Warnf("taskloomd: pipeline failed")
			fmt.Printf("stabilized in %s (%d tasks), pipeline error: %v\n", res.Elapsed.Round(time.Millisecond), res.ExecutedCount, err)
			return nil
		}
		fmt.Printf("stabilized in %s (%d tasks): %s = %v bytes\n", res.Elapsed.Round(time.Millisecond), res.ExecutedCount, filePath, out)
		return nil
	}

	if err := report(); err != nil {
		return err
	}
	if once {
		return nil
	}

	dir := "."
	if d := dirOf(filePath); d != "" {
		dir = d
	}
	bridge, err := filewatch.NewBridge(dir, cfg.FlushDir, log)
	if err != nil {
		return err
	}
	defer bridge.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			return nil
		case ev, ok := <-bridge.Events():
			if !ok {
				return nil
			}
			if ev.Dir {
				continue
			}
			eng.InvalidateCell(readID, core.CellId{})
			if err := report(); err != nil {
				return err
			}
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return ""
}

// newLockdiffCmd exposes the lockfile change mapper: given two lockfiles
// and a workspace layout, print which packages' external dependency trees
// changed.
func newLockdiffCmd() *cobra.Command {
	var prevPath, currPath string
	var workspaces []string

	cmd := &cobra.Command{
		Use:   "lockdiff",
		Short: "Map a lockfile change to affected workspace packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if currPath == "" {
				return invalidInvocationf("--current is required")
			}
			var prev []byte
			var err error
			if prevPath != "" {
				prev, err = os.ReadFile(prevPath)
				if err != nil {
					return err
				}
			}
			curr, err := os.ReadFile(currPath)
			if err != nil {
				return err
			}

			layout := lockfile.WorkspaceLayout{ExternalDeps: map[string][]string{}}
			for _, ws := range workspaces {
				name, deps, perr := parseWorkspaceSpec(ws)
				if perr != nil {
					return perr
				}
				layout.ExternalDeps[name] = deps
			}

			changes, err := lockfile.Diff(prev, curr, layout)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Println("no affected packages")
				return nil
			}
			for _, c := range changes {
				fmt.Printf("%s\t%s\t%s\n", c.Package, c.Reason, c.External)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prevPath, "previous", "", "previous lockfile (omit for a fresh install)")
	cmd.Flags().StringVar(&currPath, "current", "", "current lockfile")
	cmd.Flags().StringSliceVar(&workspaces, "workspace", nil, "workspace spec name=dep1,dep2 (repeatable)")
	return cmd
}

func parseWorkspaceSpec(spec string) (string, []string, error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			name := spec[:i]
			if name == "" {
				return "", nil, invalidInvocationf("workspace spec %q has an empty name", spec)
			}
			var deps []string
			rest := spec[i+1:]
			start := 0
			for j := 0; j <= len(rest); j++ {
				if j == len(rest) || rest[j] == ',' {
					if j > start {
						deps = append(deps, rest[start:j])
					}
					start = j + 1
				}
			}
			return name, deps, nil
		}
	}
	return spec, nil, nil
}
