// Package app assembles the relay backend, cache, archive and game service
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/park285/relaychess/internal/archive"
	"github.com/park285/relaychess/internal/config"
	"github.com/park285/relaychess/internal/event"
	"github.com/park285/relaychess/internal/game"
	"github.com/park285/relaychess/internal/msgcat"
	"github.com/park285/relaychess/internal/projector"
	"github.com/park285/relaychess/internal/relay"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Version is reported in the relay information document.
const Version = "0.3.0"

type Deps struct {
	Service *game.Service
	Relay   relay.Relay
	Catalog *msgcat.Catalog
	Config  *config.AppConfig

	logger  *zap.Logger
	server  *http.Server
	closers []func(context.Context) error
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close(context.Background())
		}
	}()

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Catalog = catalog

	var signer *event.Signer
	if strings.TrimSpace(cfg.SecretKey) != "" {
		signer, err = event.NewSigner(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
	} else {
		logger.Warn("app_read_only", zap.String("reason", "NOSTR_SECRET_KEY not set"))
	}

	var rdb redis.UniversalClient
	switch cfg.RelayBackend {
	case config.BackendWS:
		pool, err := d.dialRelays(ctx, cfg.RelayURLs)
		if err != nil {
			return nil, err
		}
		d.Relay = pool
	case config.BackendRedis:
		rdb, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func(context.Context) error { return rdb.Close() })
		d.Relay = relay.NewRedisStore(rdb, cfg.RedisPrefix, logger)
	case config.BackendMemory:
		d.Relay = relay.NewMemory()
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.RelayBackend)
	}

	var cache projector.Cache
	if rdb == nil && strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func(context.Context) error { return rdb.Close() })
	}
	if rdb != nil {
		cache = projector.NewRedisCache(rdb, cfg.CacheTTL)
	} else {
		cache = projector.NewMemoryCache(cfg.CacheTTL)
	}

	opts := []game.Option{
		game.WithLogger(logger),
		game.WithCache(cache),
		game.WithBroadcastTimeout(cfg.BroadcastTimeout),
		game.WithPollInterval(cfg.PollInterval),
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := archive.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		d.closers = append(d.closers, func(context.Context) error { return repo.Close() })
		opts = append(opts, game.WithArchive(repo))
	}
	d.Service = game.New(signer, d.Relay, opts...)

	if cfg.ListenAddr != "" {
		if cfg.RelayBackend == config.BackendWS {
			return nil, errors.New("RELAY_LISTEN_ADDR needs the redis or memory backend")
		}
		d.server = &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           relay.NewServer(d.Relay, d.info(signer), logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	ok = true
	return d, nil
}

func (d *Deps) info(signer *event.Signer) relay.Info {
	return relay.Info{
		Name:          "relaychess",
		Description:   "chess over signed relay events",
		PubKey:        signer.PublicKey(),
		SupportedNIPs: []int{1, 11, 33},
		Software:      "github.com/park285/relaychess",
		Version:       Version,
	}
}

// dialRelays connects every configured relay; at least one must succeed.
func (d *Deps) dialRelays(ctx context.Context, urls []string) (*relay.Pool, error) {
	var conns []relay.Relay
	var errs []error
	for _, u := range urls {
		c := relay.NewConn(u, relay.WithLogger(d.logger))
		c.OnStateChange(func(url string, state relay.State) {
			d.logger.Info("relay_state", zap.String("url", url), zap.String("state", state.String()))
		})
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.Connect(cctx)
		cancel()
		if err != nil {
			d.logger.Warn("relay_connect_failed", zap.String("url", u), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			_ = c.Close(context.Background())
			continue
		}
		d.closers = append(d.closers, c.Close)
		conns = append(conns, c)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("no relay reachable: %w", errors.Join(errs...))
	}
	return relay.NewPool(d.logger, conns...), nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Serving reports whether a local relay endpoint is configured.
func (d *Deps) Serving() bool { return d.server != nil }

// Serve runs the local relay endpoint until ctx is cancelled.
func (d *Deps) Serve(ctx context.Context) error {
	if d.server == nil {
		return nil
	}
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.server.Addr, err)
	}
	d.logger.Info("relay_server_listening", zap.String("addr", ln.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Serve(ln) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.server.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases everything New opened, newest first.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
