// Package core assembles the daemon: it builds the logging stack, brings the
// components up leaves-first, wires their channels together and manages
// graceful shutdown.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strconv"
	"syscall"

	"github.com/arbornet/arbor/configstore"
	"github.com/arbornet/arbor/ctrl"
	"github.com/arbornet/arbor/decision"
	"github.com/arbornet/arbor/fib"
	"github.com/arbornet/arbor/kvstore"
	"github.com/arbornet/arbor/linkmonitor"
	"github.com/arbornet/arbor/prefixmgr"
	"github.com/arbornet/arbor/spark"
	"github.com/arbornet/arbor/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

type Daemon struct {
	Env     *state.Env
	Cs      *configstore.Store
	Stores  map[string]*kvstore.Store
	Spark   *spark.Spark
	Lm      *linkmonitor.Monitor
	Pm      *prefixmgr.Manager
	Dec     *decision.Decision
	Fib     *fib.Fib
	Handler *ctrl.Handler

	listener  *kvstore.Listener
	transport spark.Transport
	provider  linkmonitor.LinkProvider
}

func buildLogger(cfg *state.Config, level slog.Level) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: cfg.NodeName,
		}),
	}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0o700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start validates the configuration and brings every component up. The
// platform seams (route programmer, link provider) are injectable; passing
// nil selects the in-memory programmer and the polling provider.
func Start(cfg state.Config, level slog.Level, programmer fib.Programmer,
	provider linkmonitor.LinkProvider) (*Daemon, error) {

	if err := state.ConfigValidator(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := buildLogger(&cfg, level)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     logger,
		Cfg:     &cfg,
	}
	d := &Daemon{Env: env, Stores: make(map[string]*kvstore.Store)}

	fail := func(err error) (*Daemon, error) {
		cancel(err)
		return nil, err
	}

	env.Log.Info("init modules")

	d.Cs, err = configstore.New(env)
	if err != nil {
		return fail(err)
	}

	kvAddr := cfg.KvStore.ListenAddr
	if kvAddr == "" {
		kvAddr = ":" + strconv.Itoa(state.DefaultKvPort)
	}
	d.listener, err = kvstore.NewListener(env, kvAddr)
	if err != nil {
		// Unable to bind the replication socket is fatal.
		return fail(fmt.Errorf("kvstore listener: %w", err))
	}
	var originators []prefixmgr.KvOriginator
	var lmOriginators []linkmonitor.KvOriginator
	for _, area := range cfg.Areas {
		s := kvstore.New(env, area)
		d.Stores[area] = s
		d.listener.Register(s)
		originators = append(originators, s)
		lmOriginators = append(lmOriginators, s)
	}

	d.transport = spark.NewUDPTransport(env, cfg.Spark.Port)
	d.Spark = spark.New(env, d.transport)

	d.Pm, err = prefixmgr.New(env, d.Cs, originators)
	if err != nil {
		return fail(err)
	}

	d.Dec = decision.New(env)
	for _, s := range d.Stores {
		if err := d.Dec.Attach(s); err != nil {
			return fail(err)
		}
	}

	if programmer == nil {
		programmer = fib.NewMemProgrammer()
	}
	var convergenceKv fib.KvPublisher
	if len(cfg.Areas) > 0 {
		convergenceKv = d.Stores[cfg.Areas[0]]
	}
	d.Fib = fib.New(env, programmer, convergenceKv)
	d.Fib.Run(d.Dec.Deltas())

	if provider == nil {
		provider = linkmonitor.NewNetProvider(ctx)
	}
	d.provider = provider
	d.Lm, err = linkmonitor.New(env, provider, d.Spark, d.Cs, lmOriginators, d.Pm)
	if err != nil {
		return fail(err)
	}

	d.Handler = ctrl.NewHandler(env, d.Cs, d.Stores, d.Lm, d.Pm, d.Dec, d.Fib, d.Spark)

	env.Log.Info("init modules complete")
	return d, nil
}

// Run blocks until a shutdown signal or a fatal component error, then tears
// the daemon down gracefully.
func (d *Daemon) Run() error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		d.Env.Log.Info("received shutdown signal")
		// Tell neighbors we are restarting before sockets go away.
		d.Lm.GracefulShutdown()
		d.Env.Cancel(errors.New("received shutdown signal"))
	case <-d.Env.Context.Done():
	}
	d.Stop()
	d.Env.Log.Info("stopped", "reason", context.Cause(d.Env.Context))
	return nil
}

// Stop cancels the daemon context, then stops decision, the stores, the
// replication listener, spark, the link provider and the config store, in
// that order.
func (d *Daemon) Stop() {
	d.Env.Cancel(context.Canceled)
	d.Dec.Stop()
	for _, s := range d.Stores {
		s.Stop()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	d.Spark.Stop()
	if d.provider != nil {
		d.provider.Close()
	}
	if err := d.Cs.Close(); err != nil {
		d.Env.Log.Warn("config store close", "err", err)
	}
}
