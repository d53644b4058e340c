// Package app wires the bot together. An App owns every component, so
// several can run side by side in one process.
package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
	"github.com/pairbot/backend/internal/console"
	"github.com/pairbot/backend/internal/dispatch"
	"github.com/pairbot/backend/internal/frontend"
	"github.com/pairbot/backend/internal/lifecycle"
	"github.com/pairbot/backend/internal/mock"
	"github.com/pairbot/backend/internal/netclient"
	"github.com/pairbot/backend/internal/responder"
	"github.com/pairbot/backend/internal/session"
	"github.com/pairbot/backend/internal/supervisor"
	"github.com/pairbot/backend/internal/ws"
)

const httpShutdownTimeout = 5 * time.Second

type options struct {
	clock      clock.Clock
	consoleOut io.Writer
	staticDir  string
	listener   net.Listener
	onResult   func(dispatch.Result)
}

type Option func(*options)

func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithConsoleOutput sends operator output (QR codes, status banners) to w
// instead of stdout.
func WithConsoleOutput(w io.Writer) Option {
	return func(o *options) { o.consoleOut = w }
}

// WithStaticDir serves the operator page from dir instead of the embedded
// copy.
func WithStaticDir(dir string) Option {
	return func(o *options) { o.staticDir = dir }
}

// WithListener serves HTTP on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithDispatchHook observes every dispatcher Result.
func WithDispatchHook(fn func(dispatch.Result)) Option {
	return func(o *options) { o.onResult = fn }
}

type App struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	client   netclient.Client
	listener net.Listener

	store      *session.Store
	hub        *ws.Hub
	server     *ws.Server
	adapter    *lifecycle.Adapter
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
}

func New(cfg *config.Config, client netclient.Client, log *zap.SugaredLogger, opts ...Option) *App {
	o := options{clock: clock.Real(), consoleOut: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		clock:    o.clock,
		client:   client,
		listener: o.listener,
	}

	a.store = session.NewStore(o.clock)
	a.hub = ws.NewHub(ws.HubConfig{
		MaxConnections: cfg.Server.MaxConnections,
		PingInterval:   cfg.Server.PingInterval,
	}, a.store, o.clock, log.Named("hub"))
	a.server = ws.NewServer(cfg.Server, a.store, a.hub, frontend.Handler(o.staticDir), o.clock, log.Named("http"))

	var dispatchOpts []dispatch.Option
	if o.onResult != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithResultHook(o.onResult))
	}
	a.dispatcher = dispatch.New(cfg.Dispatch, responder.New(cfg.Responder, o.clock), client, log.Named("dispatch"), dispatchOpts...)

	renderer := console.New(o.consoleOut, cfg.Console.QR)
	a.adapter = lifecycle.NewAdapter(a.store, a.hub, renderer, a.dispatcher, log.Named("lifecycle"))
	a.supervisor = supervisor.New(client, cfg.Supervisor, o.clock, log.Named("supervisor"))
	a.server.SetAttemptCounter(a.supervisor)

	return a
}

func (a *App) Store() *session.Store { return a.store }

func (a *App) Hub() *ws.Hub { return a.hub }

func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the event loop, the HTTP server and the client supervisor,
// and blocks until ctx is cancelled or one of them fails. Call Shutdown
// afterwards to release the client.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listening on %s", addr)
		}
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.adapter.Run(gctx, a.client.Events())
		return nil
	})

	g.Go(func() error {
		a.log.Infof("Server running on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		a.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := a.supervisor.Start(gctx)
		if err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	return g.Wait()
}

// Shutdown lets replies accepted before Run returned finish (for at most
// the reply timeout), destroys the client and disconnects observers. It
// returns the process exit code.
func (a *App) Shutdown(ctx context.Context) int {
	drainCtx := ctx
	if t := a.cfg.Dispatch.ReplyTimeout; t > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	a.dispatcher.Close(drainCtx)
	code := a.supervisor.Shutdown(ctx)
	a.hub.Close()
	return code
}

// NewClient builds the network client selected by cfg.Client.Mode.
func NewClient(cfg *config.Config, clk clock.Clock, log *zap.SugaredLogger) netclient.Client {
	if cfg.Client.Mode == "mock" {
		m := cfg.Client.Mock
		return mock.NewClient(mock.Config{
			ScanDelay:        m.ScanDelay,
			RotateInterval:   m.RotateInterval,
			MessageInterval:  m.MessageInterval,
			FailInitAttempts: m.FailInitAttempts,
		}, clk, log.Named("mock"))
	}

	return netclient.NewSidecar(netclient.SidecarConfig{
		Command: cfg.Client.Command,
		Args:    cfg.Client.Args,
		Env: []string{
			"CHROMIUM_PATH=" + cfg.Client.ExecutablePath,
			"PAIRBOT_DATA_PATH=" + cfg.Client.DataPath,
		},
		StartTimeout: cfg.Client.StartTimeout,
		StopTimeout:  cfg.Client.StopTimeout,
	}, log.Named("sidecar"))
}
