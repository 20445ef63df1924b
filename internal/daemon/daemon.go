// Package daemon hosts the control plane: the session HTTP API and the
// client and worker websocket endpoints.
package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/victorarias/relayd/internal/auth"
	"github.com/victorarias/relayd/internal/config"
	"github.com/victorarias/relayd/internal/launcher"
	"github.com/victorarias/relayd/internal/logging"
	"github.com/victorarias/relayd/internal/orchestrator"
	"github.com/victorarias/relayd/internal/protocol"
	"github.com/victorarias/relayd/internal/store"
)

// Options wires a Daemon. Zero values get in-memory or no-op defaults.
type Options struct {
	Addr      string
	Store     *store.Store
	Launcher  launcher.Launcher
	Validator auth.Validator
	Logger    *logging.Logger

	// RelayURL and APIURL are handed to launched workers. They default to
	// this daemon's own address.
	RelayURL    string
	APIURL      string
	WorkerToken string

	PermissionTimeout time.Duration
	DefaultDecision   protocol.Decision
	WorkerGrace       time.Duration
}

// Daemon manages relayed sessions
type Daemon struct {
	addr       string
	orch       *orchestrator.Orchestrator
	store      *store.Store
	validator  auth.Validator
	httpServer *http.Server
	listener   net.Listener
	logger     *logging.Logger
	handler    http.Handler

	mu       sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a daemon configured from the config file and environment.
func New(addr string) *Daemon {
	logger, err := logging.New(config.LogPath())
	if err != nil {
		logger = logging.NewWriter(os.Stderr)
		logger.Warnf("Log file %s unavailable: %v", config.LogPath(), err)
	}
	if err := config.Err(); err != nil {
		logger.Warnf("Config file ignored: %v", err)
	}

	// Create SQLite-backed store
	sessionStore, err := store.NewWithDB(config.DBPath())
	if err != nil {
		logger.Infof("Failed to open DB at %s: %v (using in-memory)", config.DBPath(), err)
		sessionStore = store.New() // Fallback to in-memory
	}
	sessionStore.SetLogger(logger.Logf())

	token := config.Token()
	d := NewWithOptions(Options{
		Addr:      addr,
		Store:     sessionStore,
		Validator: auth.NewStatic(token),
		Logger:    logger,
		Launcher: &launcher.ProcessLauncher{
			Binary: config.WorkerBinary(),
			LogDir: filepath.Join(filepath.Dir(config.LogPath()), "workers"),
			Logf:   logger.Logf(),
		},
		APIURL:            config.APIURL(),
		WorkerToken:       token,
		PermissionTimeout: config.PermissionTimeout(),
		DefaultDecision:   protocol.Decision(config.DefaultDecision()),
		WorkerGrace:       config.WorkerGrace(),
	})
	if n := d.orch.Restore(); n > 0 {
		d.logf("Restored %d sessions from %s", n, config.DBPath())
	}
	return d
}

// NewWithOptions creates a daemon from explicit options.
func NewWithOptions(opts Options) *Daemon {
	if opts.Store == nil {
		opts.Store = store.New()
	}
	if opts.Validator == nil {
		opts.Validator = auth.Allow{}
	}
	if opts.RelayURL == "" && opts.Addr != "" {
		opts.RelayURL = "ws://" + opts.Addr
	}
	if opts.APIURL == "" && opts.Addr != "" {
		opts.APIURL = "http://" + opts.Addr
	}

	d := &Daemon{
		addr:      opts.Addr,
		store:     opts.Store,
		validator: opts.Validator,
		logger:    opts.Logger,
		done:      make(chan struct{}),
	}
	d.orch = orchestrator.New(orchestrator.Config{
		Store:             opts.Store,
		Launcher:          opts.Launcher,
		RelayURL:          opts.RelayURL,
		APIURL:            opts.APIURL,
		WorkerToken:       opts.WorkerToken,
		PermissionTimeout: opts.PermissionTimeout,
		DefaultDecision:   opts.DefaultDecision,
		WorkerGrace:       opts.WorkerGrace,
		Logf:              d.logf,
	})
	d.handler = d.routes()
	return d
}

// NewForTesting creates a daemon with a non-persistent store for tests
func NewForTesting() *Daemon {
	return NewWithOptions(Options{})
}

// Orchestrator returns the daemon's session orchestrator.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// Handler returns the HTTP handler serving every endpoint.
func (d *Daemon) Handler() http.Handler {
	return d.handler
}

// Start listens on the configured address and serves until Stop.
func (d *Daemon) Start() error {
	listener, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.listener = listener
	d.httpServer = &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := d.httpServer
	d.mu.Unlock()

	d.logf("daemon started on http://%s", listener.Addr())
	if err := server.Serve(listener); err != http.ErrServerClosed {
		return err
	}
	<-d.done
	return nil
}

// Addr returns the listening address once started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return d.listener.Addr().String()
	}
	return d.addr
}

// Stop stops the daemon
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logf("daemon stopping")
		d.mu.Lock()
		server := d.httpServer
		d.mu.Unlock()
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}
		d.orch.Close()
		if err := d.store.Close(); err != nil {
			d.logf("close store: %v", err)
		}
		close(d.done)
		if d.logger != nil {
			d.logger.Close()
		}
	})
}

func (d *Daemon) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Infof(format, args...)
	}
}
