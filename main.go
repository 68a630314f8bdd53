package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"

	"github.com/buaazp/fasthttprouter"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"tokendragon/token"
	"tokendragon/token/pebblestore"
	"tokendragon/token/redisstore"
	"tokendragon/token/sqlstore"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yml", "path to the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	err = Start(ctx, cfg)
	if err != nil {
		panic(err)
	}
}

var (
	tokens    token.Store
	nodeOwner string
	// clock replaces the backend clock when set
	clock token.Clock
)

// backend is an opened adapter. run blocks until ctx is done.
type backend struct {
	adapter token.Adapter
	run     func(ctx context.Context) error
	close   func() error
}

func waitDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func openBackend(ctx context.Context, cfg Config) (*backend, error) {
	switch cfg.Backend {
	case BackendPebble:
		var opts []pebblestore.Option
		if clock != nil {
			opts = append(opts, pebblestore.WithClock(clock))
		}
		s, err := pebblestore.Open(cfg.DBPath, &cfg.DBOptions, opts...)
		if err != nil {
			return nil, err
		}
		return &backend{adapter: s, run: s.FlushLoop, close: s.Close}, nil

	case BackendSQLite, BackendPostgres:
		dialect, err := sqlstore.DialectByName(cfg.Backend)
		if err != nil {
			return nil, err
		}
		opts := []sqlstore.Option{}
		if cfg.Table != "" {
			opts = append(opts, sqlstore.WithTable(cfg.Table))
		}
		if clock != nil {
			opts = append(opts, sqlstore.WithClock(clock))
		}
		s, err := sqlstore.Open(dialect, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.CreateSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &backend{adapter: s, run: waitDone, close: s.Close}, nil

	case BackendRedis:
		var opts []redisstore.Option
		if clock != nil {
			opts = append(opts, redisstore.WithClock(clock))
		}
		s := redisstore.Open(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, opts...)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return &backend{adapter: s, run: waitDone, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Start listens on cfg.ListenAddr and serves until ctx is done.
func Start(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, cfg)
}

func newRouter(reg *prometheus.Registry) *fasthttprouter.Router {
	router := fasthttprouter.New()
	router.GET("/tokens/:processor", GetSegmentsHandler)
	router.POST("/tokens/:processor", InitializeSegmentsHandler)
	router.GET("/tokens/:processor/:segment", FetchTokenHandler)
	router.PUT("/tokens/:processor/:segment", StoreTokenHandler)
	router.POST("/tokens/:processor/:segment/claim", ExtendClaimHandler)
	router.DELETE("/tokens/:processor/:segment/claim", ReleaseClaimHandler)
	router.GET("/metrics", metricsHandler(reg))

	router.NotFound = func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(404)
	}
	return router
}

// Serve opens the backend and serves the token API on ln until ctx is done.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	opts := []token.Option{
		token.WithSerializer(token.RawSerializer{}),
		token.WithClaimTimeout(cfg.claimTimeout),
		token.WithLogger(stdLogger{debug: cfg.Debug}),
	}
	if cfg.Owner != "" {
		opts = append(opts, token.WithOwner(cfg.Owner))
	}
	ts, err := token.New(b.adapter, opts...)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	tokens = newMetricsStore(ts, reg)
	nodeOwner = ts.Owner()

	s := fasthttp.Server{
		Handler:                       newRouter(reg).Handler,
		Concurrency:                   100000,
		MaxConnsPerIP:                 100000,
		ReadBufferSize:                10000,
		WriteBufferSize:               10000,
		DisableHeaderNamesNormalizing: true,
		NoDefaultContentType:          true,
		NoDefaultDate:                 true,
		NoDefaultServerHeader:         true,
	}
	go func() {
		log.Printf("START %s backend=%s owner=%s claimTimeout=%s", ln.Addr(), cfg.Backend, nodeOwner, cfg.claimTimeout)
		err := s.Serve(ln)
		if err != nil {
			log.Print("serve: ", err)
		}
	}()

	err = b.run(ctx)
	if serr := s.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}
