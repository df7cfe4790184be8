package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/resourcepool/errs"
	"github.com/coachpo/resourcepool/internal/config"
	"github.com/coachpo/resourcepool/internal/observability"
	"github.com/coachpo/resourcepool/internal/pool"
	"github.com/coachpo/resourcepool/internal/telemetry"
)

const (
	soakPoolName             = "soak"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 5 * time.Second
)

type soakOptions struct {
	workers        int
	maxSize        int
	duration       time.Duration
	hold           time.Duration
	acquireTimeout time.Duration
	invalidRatio   float64
	metricsAddr    string
}

type soakReport struct {
	Workers   int        `json:"workers"`
	Elapsed   string     `json:"elapsed"`
	Acquired  int64      `json:"acquired"`
	Exhausted int64      `json:"exhausted"`
	Failed    int64      `json:"failed"`
	Created   int64      `json:"created"`
	Dropped   int64      `json:"dropped"`
	Pool      pool.Stats `json:"pool"`
}

// resource is a synthetic pooled object. Invalidated resources fail Check and get replaced.
type resource struct {
	id    string
	valid atomic.Bool
}

func newSoakCmd(root *rootOptions) *cobra.Command {
	opts := &soakOptions{}
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Drive a synthetic pool under contention and print its counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSoak(cmd, root, opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.workers, "workers", 16, "concurrent borrowers")
	flags.IntVar(&opts.maxSize, "max-size", 4, "pool capacity")
	flags.DurationVar(&opts.duration, "duration", 5*time.Second, "how long to run")
	flags.DurationVar(&opts.hold, "hold", time.Millisecond, "how long each borrower keeps an object")
	flags.DurationVar(&opts.acquireTimeout, "acquire-timeout", 100*time.Millisecond, "acquire wait budget")
	flags.Float64Var(&opts.invalidRatio, "invalid-ratio", 0.05, "fraction of borrows that invalidate their object")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while soaking")
	return cmd
}

func (o *soakOptions) validate() error {
	switch {
	case o.workers <= 0:
		return errs.New(soakPoolName, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	case o.maxSize <= 0:
		return errs.New(soakPoolName, errs.CodeInvalid, errs.WithMessage("max-size must be >0"))
	case o.duration <= 0:
		return errs.New(soakPoolName, errs.CodeInvalid, errs.WithMessage("duration must be >0"))
	case o.invalidRatio < 0 || o.invalidRatio > 1:
		return errs.New(soakPoolName, errs.CodeInvalid, errs.WithMessage("invalid-ratio must be within [0,1]"))
	}
	return nil
}

func runSoak(cmd *cobra.Command, root *rootOptions, opts *soakOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	defaults := config.Default()
	logger, err := root.newLogger(defaults.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := initTelemetry(cmd.Context(), logger, defaults.Environment, defaults.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, provider)
	meter := provider.Meter("poolctl")
	recorder, err := telemetry.NewAcquireRecorder(meter)
	if err != nil {
		return fmt.Errorf("acquire recorder: %w", err)
	}

	var created, dropped atomic.Int64
	objects, err := pool.New(soakPoolName, pool.Hooks[*resource]{
		Create: func(context.Context) (*resource, error) {
			r := &resource{id: uuid.NewString()}
			r.valid.Store(true)
			created.Add(1)
			return r, nil
		},
		Check:   func(r *resource) bool { return r.valid.Load() },
		MaxSize: func() int { return opts.maxSize },
		WhenDropped: func(r *resource) *resource {
			dropped.Add(1)
			return r
		},
		Identify: func(r *resource) string { return r.id },
	}, pool.WithLogger(logger.Named("pool")), pool.WithAcquireObserver(recorder))
	if err != nil {
		return err
	}

	registry := pool.NewRegistry(logger)
	if err := registry.Register(objects); err != nil {
		return err
	}
	if err := telemetry.ObservePools(meter, registry); err != nil {
		return fmt.Errorf("register pool gauges: %w", err)
	}

	stopMetrics, err := serveMetrics(logger, opts.metricsAddr, registry)
	if err != nil {
		return err
	}
	defer stopMetrics()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.duration)
	defer cancel()

	var acquired, exhausted, failed atomic.Int64
	start := time.Now()
	var wg conc.WaitGroup
	for i := 0; i < opts.workers; i++ {
		wg.Go(func() {
			for ctx.Err() == nil {
				r, release, err := pool.Borrow(ctx, objects, opts.acquireTimeout)
				switch {
				case errs.IsCode(err, errs.CodeExhausted):
					exhausted.Add(1)
					continue
				case err != nil:
					if ctx.Err() == nil {
						failed.Add(1)
					}
					continue
				}
				acquired.Add(1)
				if opts.hold > 0 {
					time.Sleep(opts.hold)
				}
				if rand.Float64() < opts.invalidRatio {
					r.valid.Store(false)
				}
				release()
			}
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	report := soakReport{
		Workers:   opts.workers,
		Elapsed:   elapsed.Round(time.Millisecond).String(),
		Acquired:  acquired.Load(),
		Exhausted: exhausted.Load(),
		Failed:    failed.Load(),
		Created:   created.Load(),
		Pool:      objects.Stats(),
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), managerShutdownTimeout)
	defer cancelShutdown()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		return err
	}
	report.Dropped = dropped.Load()

	payload, err := pool.EncodeJSON(report)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	logger.Info("soak finished", observability.Field{Key: "stats", Value: report.Pool.String()})
	return nil
}

func serveMetrics(logger observability.Logger, addr string, source telemetry.StatsSource) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(telemetry.NewPoolCollector(source)); err != nil {
		return nil, fmt.Errorf("register pool collector: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", observability.Field{Key: "error", Value: err.Error()})
		}
	}()
	logger.Info("metrics listening", observability.Field{Key: "addr", Value: listener.Addr().String()})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown", observability.Field{Key: "error", Value: err.Error()})
		}
	}, nil
}
