// Command gasrig runs the gas-analysis rig: it starts the flow controller and
// both analyzers, optionally runs a calibration, streams status messages over
// a websocket and exposes metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-gasrig/calibration"
	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/journal"
	"github.com/arloliu/go-gasrig/logger"
	"github.com/arloliu/go-gasrig/metrics"
	"github.com/arloliu/go-gasrig/rig"
	"github.com/arloliu/go-gasrig/status"
	"github.com/arloliu/go-gasrig/transport"
	"github.com/arloliu/go-gasrig/transport/mbrtu"
	"github.com/arloliu/go-gasrig/transport/rawserial"
	"github.com/arloliu/go-gasrig/worker"
)

const stopTimeout = 10 * time.Second

type flags struct {
	configPath  string
	calibrate   string
	listen      string
	journalPath string
}

func main() {
	os.Exit(cli(os.Args[1:], os.Stderr))
}

func cli(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("gasrig", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f flags
	fs.StringVar(&f.configPath, "config", "", "path to a .yaml or .toml configuration file")
	fs.StringVar(&f.calibrate, "calibrate", "", "run a calibration after start: zero or span")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address, overrides server.listen")
	fs.StringVar(&f.journalPath, "journal", "", "SQLite journal path, overrides journal.path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if f.calibrate != "" {
		if _, err := calibration.ParseKind(f.calibrate); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		fmt.Fprintf(stderr, "gasrig: %v\n", err)
		return 1
	}

	return 0
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.journalPath != "" {
		cfg.Journal.Path = f.journalPath
	}

	return cfg, nil
}

func run(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	log := logger.NewSlog(logger.ParseLevel(cfg.Log.Level), cfg.Log.Source)
	logger.SetLogger(log)

	tm := &transport.Metrics{}
	line, closer, err := newTransport(cfg.Line, tm, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	hub := status.NewHub(log)
	defer hub.Close()
	reporter := status.NewReporter(status.LogSink(log), hub)

	var store *journal.Store
	if cfg.Journal.Path != "" {
		if store, err = journal.Open(cfg.Journal.Path, log); err != nil {
			return err
		}
		defer store.Close()
		reporter.Add(store)
	}

	r, err := rig.New(line, cfg, rig.WithReporter(reporter), rig.WithLogger(log))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if err := metrics.RegisterTransport(reg, cfg.Line.Port, tm); err != nil {
		return err
	}

	srv := newServer(cfg.Server.Listen, hub, reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}()
	log.Info("gasrig started", "listen", cfg.Server.Listen, "port", cfg.Line.Port, "driver", cfg.Line.Driver)

	if _, err := r.RunAll().Await(ctx); err != nil {
		log.Error("rig start failed", "error", err)
	} else {
		for _, s := range r.Subsystems() {
			if err := metrics.RegisterWorker(reg, s.Worker()); err != nil {
				log.Warn("failed to register worker metrics", "worker", s.Name(), "error", err)
			}
		}
	}

	if f.calibrate != "" {
		calibrate(ctx, r, store, f.calibrate, log)
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error
	if _, err := r.StopAll().Await(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop rig: %w", err))
	}
	if err := srv.Shutdown(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}

	return errors.Join(errs...)
}

func calibrate(ctx context.Context, r *rig.Rig, store *journal.Store, name string, log logger.Logger) {
	kind, err := calibration.ParseKind(name)
	if err != nil {
		log.Error("invalid calibration", "error", err)
		return
	}

	opts := []calibration.Option{calibration.WithLogger(log)}
	if store != nil {
		opts = append(opts, calibration.WithJournal(store))
	}

	c, err := calibration.New(r, opts...)
	if err != nil {
		log.Error("failed to create calibrator", "error", err)
		return
	}

	resume := pauseAll(r, log)
	defer resume()

	res, err := c.Run(ctx, kind).Await(ctx)
	if err != nil {
		log.Error("calibration failed", "kind", name, "error", err)
		return
	}
	log.Info("calibration done", "kind", name, "run_id", res.RunID, "reads", res.Reads)
}

// pauseAll pauses every running subsystem so that polling and cage rotation
// stay off the line, and returns a func resuming the ones it paused.
func pauseAll(r *rig.Rig, log logger.Logger) func() {
	var paused []rig.Subsystem
	for _, s := range r.Subsystems() {
		if err := s.Pause(); err != nil {
			if !errors.Is(err, worker.ErrNotRunning) {
				log.Warn("failed to pause subsystem", "subsystem", s.Name(), "error", err)
			}
			continue
		}
		paused = append(paused, s)
	}

	return func() {
		for _, s := range paused {
			if err := s.Resume(); err != nil {
				log.Warn("failed to resume subsystem", "subsystem", s.Name(), "error", err)
			}
		}
	}
}

// newTransport builds the line driver named in cfg, counted by m and
// serialized when cfg asks for it.
func newTransport(cfg config.LineConfig, m *transport.Metrics, log logger.Logger) (transport.Transport, io.Closer, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	var (
		base   transport.Transport
		closer io.Closer
	)

	switch cfg.Driver {
	case "mbrtu":
		t := mbrtu.New(mbrtu.Config{
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  timeout,
			Logger:   log,
		})
		base, closer = t, t
	case "rawserial":
		t := rawserial.New(rawserial.Config{
			BaudRate: uint(cfg.BaudRate),
			DataBits: uint(cfg.DataBits),
			StopBits: uint(cfg.StopBits),
			Parity:   cfg.Parity,
			Timeout:  timeout,
			Logger:   log,
		})
		base, closer = t, t
	default:
		return nil, nil, fmt.Errorf("unknown line driver %q", cfg.Driver)
	}

	t := transport.Instrument(base, m)
	if cfg.Serialize == nil || *cfg.Serialize {
		t = transport.Serialize(t)
	}

	return t, closer, nil
}

func newServer(addr string, hub *status.Hub, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/status", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
