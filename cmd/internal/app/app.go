// Package app wires a relay node: config, logging, infrastructure clients,
// RPC services for the configured role, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay/cmd/directory"
	authapi "relay/cmd/internal/auth/api"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/realtime"
	"relay/cmd/internal/rpc"
	"relay/cmd/security/password"
	svc "relay/shared/contracts/services/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const shutdownTimeout = 10 * time.Second

// closer releases one resource on shutdown.
type closer struct {
	name  string
	close func(ctx context.Context) error
}

// App is a relay node. It owns every resource it creates and releases them in
// reverse order on shutdown.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	// runCtx bounds bus subscriptions; cancelled after the HTTP server stops.
	runCtx    context.Context
	cancelRun context.CancelFunc

	bus     rpc.Bus
	client  *rpc.Client
	servers []*rpc.Server
	router  *realtime.Router

	mongo *mongo.Client
	redis *redis.Client

	ws     *realtime.WSGateway
	auth   *authapi.Handler
	checks []readinessCheck

	closers []closer
}

// New constructs a fully wired App for cfg.Role. On error every resource
// acquired so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	log = log.With("node", cfg.NodeID, "role", cfg.Role)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	a := &App{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if err := a.initBus(ctx); err != nil {
		return nil, err
	}

	rpcMetrics := rpc.NewMetrics(reg)
	a.client, err = rpc.NewClient(runCtx, a.bus, rpc.ClientConfig{
		Node:    cfg.NodeID,
		Timeout: cfg.RPCTimeout,
		Log:     log,
		Metrics: rpcMetrics,
	})
	if err != nil {
		return nil, err
	}
	a.addCloser("rpc.client", func(context.Context) error { a.client.Close(); return nil })

	newServer := func(service string) *rpc.Server {
		srv := rpc.NewServer(a.bus, rpc.ServerConfig{
			Service:        service,
			Node:           cfg.NodeID,
			Workers:        cfg.RPCWorkers,
			MaxHandlerTime: cfg.RPCTimeout,
			Log:            log,
			Metrics:        rpcMetrics,
		})
		a.servers = append(a.servers, srv)
		return srv
	}

	if cfg.Runs(RoleDirectory) {
		if err := a.initDirectory(ctx, newServer(svc.ServiceDirectory)); err != nil {
			return nil, err
		}
	}
	if cfg.Runs(RoleIdentity) {
		if err := a.initIdentity(ctx, newServer(svc.ServiceIdentity)); err != nil {
			return nil, err
		}
	}
	if cfg.Runs(RoleMessaging) {
		if err := a.initMessaging(ctx, newServer(svc.ServiceMessaging)); err != nil {
			return nil, err
		}
	}
	if cfg.Runs(RoleIdentity) || cfg.Runs(RoleMessaging) {
		a.auth, err = authapi.NewHandler(log, authapi.LoadConfigFromEnv(), authapi.Backends{
			Sessions:  session.NewClient(a.client),
			Channels:  directory.NewClient(a.client),
			Messaging: realtime.NewClient(a.client),
		}, authapi.NewMetrics(reg))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) initBus(ctx context.Context) error {
	switch a.cfg.Bus {
	case BackendRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.bus = rpc.NewRedisBus(rdb, a.log)
	default:
		a.bus = rpc.NewMemoryBus()
	}
	a.addCloser("rpc.bus", func(context.Context) error { return a.bus.Close() })
	return nil
}

func (a *App) initDirectory(ctx context.Context, srv *rpc.Server) error {
	pw, err := password.FromEnv()
	if err != nil {
		return err
	}

	var store directory.Store
	switch a.cfg.DirectoryStore {
	case BackendMongo:
		client, err := a.mongoClient(ctx)
		if err != nil {
			return err
		}
		ms, err := directory.NewMongoStore(ctx, client.Database(a.cfg.MongoDatabase))
		if err != nil {
			return err
		}
		store = ms
	default:
		store = directory.NewMemoryStore()
	}

	if a.cfg.DirectorySeedFile != "" {
		if err := directory.LoadSeedFile(ctx, store, a.cfg.DirectorySeedFile, pw); err != nil {
			return err
		}
		a.log.Info("directory.seed.loaded", "path", a.cfg.DirectorySeedFile)
	} else if a.cfg.DirectoryStore == BackendMemory {
		a.log.Warn("directory.empty", "hint", "set RELAY_DIRECTORY_SEED_FILE")
	}

	service := directory.NewService(store, pw, directory.NewMessagingNotifier(a.client), a.log)
	directory.RegisterRPC(srv, service)
	a.log.Info("directory.enabled", "store", a.cfg.DirectoryStore)
	return nil
}

func (a *App) initIdentity(ctx context.Context, srv *rpc.Server) error {
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if err := validateSessionConfig(a.cfg, sessCfg); err != nil {
		return err
	}

	var store session.Store
	switch a.cfg.SessionStore {
	case BackendPostgres:
		if a.cfg.DBMigrate {
			if err := session.Migrate(a.cfg.DatabaseURL, "up"); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.log.Info("db.migrate.done")
		}
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.addCloser("db.pool", func(context.Context) error { pool.Close(); return nil })
		a.checks = append(a.checks, readinessCheck{name: "postgres", check: func(ctx context.Context) error {
			return PingDB(ctx, pool, a.cfg.ReadinessTimeout)
		}})
		store = session.NewPostgresStore(pool)
	case BackendMongo:
		client, err := a.mongoClient(ctx)
		if err != nil {
			return err
		}
		ms, err := session.NewMongoStore(ctx, client.Database(a.cfg.MongoDatabase))
		if err != nil {
			return err
		}
		store = ms
	default:
		store = session.NewMemoryStore()
	}

	tokens, err := session.NewJWTManager(sessCfg)
	if err != nil {
		return err
	}

	service := session.NewService(sessCfg, store, tokens,
		directory.NewClient(a.client), session.NewMessagingNotifier(a.client), a.log)
	session.RegisterRPC(srv, service)

	if !a.cfg.Runs(RoleDirectory) {
		a.checks = append(a.checks, a.rpcCheck(svc.ServiceDirectory))
	}
	a.log.Info("identity.enabled", "store", a.cfg.SessionStore)
	return nil
}

func (a *App) initMessaging(ctx context.Context, srv *rpc.Server) error {
	metrics := realtime.NewMetrics(a.reg)

	var bc realtime.Broadcaster
	switch a.cfg.Fanout {
	case BackendRedis:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		bc = realtime.NewRedisBroadcaster(rdb, realtime.FanoutTopic, a.log)
	case BackendKafka:
		kb, err := realtime.NewKafkaBroadcaster(realtime.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Node:    a.cfg.NodeID,
		}, a.log)
		if err != nil {
			return err
		}
		bc = kb
	default:
		bc = realtime.NewMemoryBroadcaster()
	}
	a.addCloser("fanout", func(context.Context) error { return bc.Close() })

	dir := directory.NewClient(a.client)
	a.router = realtime.NewRouter(realtime.RouterConfig{
		Node:    a.cfg.NodeID,
		Log:     a.log,
		Metrics: metrics,
	}, realtime.NewRoomRegistry(a.log), bc, dir)
	realtime.RegisterCommands(srv, a.router)

	auth := realtime.NewAuthenticator(session.NewClient(a.client), dir, a.cfg.RPCTimeout, a.log, metrics)
	a.ws = realtime.NewWSGateway(realtime.LoadGatewayConfigFromEnv(), auth, a.router, dir, a.log, metrics)

	if !a.cfg.Runs(RoleIdentity) {
		a.checks = append(a.checks, a.rpcCheck(svc.ServiceIdentity))
	}
	if !a.cfg.Runs(RoleDirectory) {
		a.checks = append(a.checks, a.rpcCheck(svc.ServiceDirectory))
	}
	a.log.Info("messaging.enabled", "fanout", a.cfg.Fanout)
	return nil
}

// mongoClient connects once and shares the client between stores.
func (a *App) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if a.mongo != nil {
		return a.mongo, nil
	}
	client, err := NewMongoClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.mongo = client
	a.addCloser("mongo", func(ctx context.Context) error { return client.Disconnect(ctx) })
	a.checks = append(a.checks, readinessCheck{name: "mongo", check: func(ctx context.Context) error {
		return PingMongo(ctx, client, a.cfg.ReadinessTimeout)
	}})
	return client, nil
}

// redisClient connects once and shares the client between the bus and fan-out.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.addCloser("redis", func(context.Context) error { return rdb.Close() })
	a.checks = append(a.checks, readinessCheck{name: "redis", check: func(ctx context.Context) error {
		return PingRedis(ctx, rdb, a.cfg.ReadinessTimeout)
	}})
	return rdb, nil
}

func (a *App) rpcCheck(service string) readinessCheck {
	return readinessCheck{name: service, check: func(ctx context.Context) error {
		_, err := a.client.Health(ctx, service, a.cfg.ReadinessTimeout)
		return err
	}}
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// start begins consuming RPC requests and fan-out deliveries.
func (a *App) start() error {
	for _, srv := range a.servers {
		if err := srv.Start(a.runCtx); err != nil {
			return err
		}
	}
	if a.router != nil {
		if err := a.router.Start(a.runCtx); err != nil {
			return err
		}
	}
	if a.auth != nil {
		a.auth.Start()
		a.addCloser("auth.throttle", func(context.Context) error { a.auth.Close(); return nil })
	}
	return nil
}

// handler builds the routed HTTP handler with the middleware chain applied.
func (a *App) handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.reg, a.checks, a.ws, a.auth)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts RPC servers and the HTTP server, and blocks until ctx is done or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.release()

	if err := a.start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		// Request contexts end with the run context, which closes hijacked
		// WebSocket connections during release.
		BaseContext: func(net.Listener) context.Context { return a.runCtx },
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}

	base := runtimeBaseURL(ln.Addr().String())
	attrs := []any{"addr", ln.Addr().String(), "http", base, "bus", a.cfg.Bus}
	if a.ws != nil {
		attrs = append(attrs, "ws", wsBaseURL(base)+"/ws")
	}
	a.log.Info("server.start", attrs...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// release stops consumers, waits for in-flight handlers, then closes
// resources in reverse acquisition order. Safe to call more than once.
func (a *App) release() {
	a.cancelRun()
	for _, srv := range a.servers {
		srv.Wait()
	}
	a.servers = nil

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.log.Error("resource.close.fail", "resource", c.name, "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(base, "//")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
