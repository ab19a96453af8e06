// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Owns worker connections, routing caches, directory heartbeat, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/meshgate/mesh-gateway/internal/config"
	"github.com/meshgate/mesh-gateway/internal/registry"
	"github.com/meshgate/mesh-gateway/internal/state"
	"github.com/meshgate/mesh-gateway/internal/subscription"
	"github.com/meshgate/mesh-gateway/internal/worker"
)

// Gateway terminates worker streams and mediates between workers and the
// cluster directory. One instance per process.
type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	directory registry.Directory
	states    state.Store
	subs      *subscription.Table
	metrics   *metrics

	// id identifies this gateway instance in the cluster directory.
	id string

	connMu sync.RWMutex
	conns  map[string]*worker.Connection

	typesMu   sync.RWMutex
	supported map[string]map[string]*worker.Connection // agent type -> connection id -> connection

	placeMu    sync.RWMutex
	placements map[string]*worker.Connection // agent id -> connection

	selectConn     SelectionPolicy
	requestTimeout time.Duration

	peers *peerPool

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New creates a Gateway from configuration, wiring the directory backend
// and state store.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	directory, err := buildDirectory(cfg, logger)
	if err != nil {
		return nil, err
	}

	states, err := state.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing state store: %w", err)
	}

	return build(cfg, directory, states, logger)
}

// NewWithBackends creates a Gateway on explicit collaborators. Used by
// tests and by embedders that manage their own directory or store.
func NewWithBackends(cfg *config.Config, directory registry.Directory, states state.Store, logger *slog.Logger) (*Gateway, error) {
	return build(cfg, directory, states, logger)
}

func buildDirectory(cfg *config.Config, logger *slog.Logger) (registry.Directory, error) {
	var d registry.Directory
	switch cfg.Registry.Backend {
	case "etcd":
		etcd, err := registry.NewEtcd(cfg.Registry.Endpoints, cfg.Registry.WorkerTTL, logger.With("component", "registry"))
		if err != nil {
			return nil, fmt.Errorf("initializing etcd directory: %w", err)
		}
		d = etcd
	default:
		d = registry.NewLocal(cfg.Registry.WorkerTTL, logger.With("component", "registry"))
	}
	if cfg.Registry.Breaker {
		d = registry.WithBreaker(d, "directory")
	}
	return d, nil
}

func build(cfg *config.Config, directory registry.Directory, states state.Store, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:            cfg,
		logger:         logger.With("component", "gateway"),
		directory:      directory,
		states:         states,
		subs:           subscription.NewTable(),
		metrics:        newMetrics(),
		id:             "mesh-gateway-" + ulid.Make().String(),
		conns:          make(map[string]*worker.Connection),
		supported:      make(map[string]map[string]*worker.Connection),
		placements:     make(map[string]*worker.Connection),
		requestTimeout: cfg.Gateway.RequestTimeout,
	}
	g.peers = newPeerPool(g.logger.With("component", "peers"))

	switch cfg.Gateway.SelectionPolicy {
	case "round_robin":
		g.selectConn = RoundRobinSelection()
	default:
		g.selectConn = RandomSelection
	}

	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	registerChannelService(g, g.grpcServer, logger.With("component", "grpc"))

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// ID returns the gateway's cluster identity.
func (g *Gateway) ID() string {
	return g.id
}

// Directory exposes the underlying cluster directory.
func (g *Gateway) Directory() registry.Directory {
	return g.directory
}

// info is the membership record announced to the directory.
func (g *Gateway) info() registry.GatewayInfo {
	return registry.GatewayInfo{ID: g.id, Addr: g.cfg.Server.AdvertiseAddr}
}

// heartbeatLoop re-announces this gateway to the directory every interval
// so the directory can evict it when heartbeats stop. Transient failures
// are logged and retried next tick; they are not fatal to the process.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Gateway.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := g.directory.AddWorker(hbCtx, g.info())
			cancel()
			if err != nil {
				g.metrics.heartbeatFailures.Inc()
				g.logger.Warn("directory heartbeat failed", "error", err)
			}
		}
	}
}

// Run announces the gateway, starts the servers, and blocks until the
// context is canceled or a server fails. It deregisters from the
// directory before returning.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.directory.AddWorker(ctx, g.info()); err != nil {
		return fmt.Errorf("announcing gateway to directory: %w", err)
	}

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	go g.heartbeatLoop(ctx)

	errCh := make(chan error, 2)
	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.cfg.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = net.Listen("tcp", g.cfg.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	httpLn, err = net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupTailscaleListeners joins the tailnet and listens there instead of
// on plain TCP, so workers on the tailnet can reach the gateway directly.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.cfg.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir): %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "share", "mesh-gateway", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)
	if _, err := g.tsnetServer.Up(ctx); err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// Shutdown deregisters from the directory and stops the servers. Workers
// observe the stream teardown and reconnect elsewhere.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if err := g.directory.RemoveWorker(ctx, g.id); err != nil {
		g.logger.Warn("deregistering from directory", "error", err)
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}

	g.peers.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.states.Close(); err != nil {
		errs = append(errs, fmt.Errorf("state store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// addConnection registers an accepted worker stream.
func (g *Gateway) addConnection(conn *worker.Connection) {
	g.connMu.Lock()
	g.conns[conn.ID] = conn
	total := len(g.conns)
	g.connMu.Unlock()

	g.metrics.setConnectedWorkers(total)
	g.logger.Info("worker connected", "connection_id", conn.ID, "total_workers", total)
}

// WorkerCount reports the number of live worker connections.
func (g *Gateway) WorkerCount() int {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return len(g.conns)
}
