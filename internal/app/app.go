// Package app assembles an auctionctl session from configuration: the
// entity store with its provider, codec and version store, the REST
// transport, the coordinator and the auction service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdslog "log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/optisync"
	"github.com/unkn0wn-root/optisync/auction"
	"github.com/unkn0wn-root/optisync/codec"
	"github.com/unkn0wn-root/optisync/config"
	asynchook "github.com/unkn0wn-root/optisync/hooks/async"
	"github.com/unkn0wn-root/optisync/hooks/prom"
	logruslog "github.com/unkn0wn-root/optisync/log/logrus"
	slogadapter "github.com/unkn0wn-root/optisync/log/slog"
	zaplog "github.com/unkn0wn-root/optisync/log/zap"
	pr "github.com/unkn0wn-root/optisync/provider"
	"github.com/unkn0wn-root/optisync/provider/bigcache"
	redisprov "github.com/unkn0wn-root/optisync/provider/redis"
	"github.com/unkn0wn-root/optisync/provider/ristretto"
	"github.com/unkn0wn-root/optisync/realtime"
	"github.com/unkn0wn-root/optisync/remote/rest"
	"github.com/unkn0wn-root/optisync/sloghooks"
	"github.com/unkn0wn-root/optisync/verstore"
)

// maxPayload bounds decoded entity payloads.
const maxPayload = 1 << 20

// App is one wired session. Close releases everything it opened.
type App struct {
	Config      *config.Config
	Log         optisync.Logger
	Zap         *zap.Logger
	Metrics     *prometheus.Registry
	Store       optisync.Store
	Client      *rest.Client
	Executor    *optisync.Executor
	Reconciler  *optisync.Reconciler
	Coordinator *optisync.Coordinator
	Service     *auction.Service
	Notes       *auction.Recorder

	hooks *asynchook.Hooks
	redis goredis.UniversalClient
}

// New builds an App. Logs go to out.
func New(ctx context.Context, cfg *config.Config, out io.Writer) (*App, error) {
	if out == nil {
		out = io.Discard
	}
	a := &App{Config: cfg, Metrics: prometheus.NewRegistry(), Notes: &auction.Recorder{}}

	zl, err := newZap(cfg.Log.Level, out)
	if err != nil {
		return nil, err
	}
	a.Zap = zl
	a.Log, err = newLogger(cfg.Log, zl, out)
	if err != nil {
		return nil, err
	}

	ph, err := prom.New(a.Metrics, "optisync")
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	sh := sloghooks.New(newSlog(cfg.Log.Level, out), sloghooks.Options{SelfHealEvery: 1, StaleWriteEvery: 10})
	a.hooks = asynchook.New(optisync.MultiHooks{sh, ph}, 1, 1024)

	if cfg.Store.Provider == "redis" || cfg.Store.Versions == "redis" {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.Client, err = rest.New(rest.Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
		Logger:  a.Log,
	})
	if err != nil {
		a.closePartial()
		return nil, err
	}

	a.Store, err = a.newStore(ctx, cfg.Store)
	if err != nil {
		a.closePartial()
		return nil, err
	}

	a.Reconciler = optisync.NewReconciler(a.Store, a.Log)
	a.Executor = optisync.NewExecutor(a.Store, a.Client, optisync.ExecutorOptions{
		MutationTimeout: cfg.API.MutationTimeout,
		Logger:          a.Log,
	})
	a.Coordinator = optisync.NewCoordinator(a.Store, a.Executor, a.Reconciler, optisync.CoordinatorOptions{
		Logger: a.Log,
		Hooks:  a.hooks,
	})
	a.Service = auction.NewService(a.Coordinator, auction.ServiceOptions{
		Notifier: auction.Multi{a.Notes, auction.NewLogNotifier(zl)},
	})
	a.Log.Info("session ready", optisync.Fields{"config": cfg.String()})
	return a, nil
}

func (a *App) newStore(ctx context.Context, sc config.StoreConfig) (optisync.Store, error) {
	p, cost, err := a.newProvider(ctx, sc)
	if err != nil {
		return nil, err
	}
	cd, err := newCodec(sc.Codec)
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	var vs verstore.Store
	if sc.Versions == "redis" {
		vs = verstore.NewRedis(a.redis, sc.Namespace)
		if sc.VersionTTL > 0 {
			vs = verstore.NewRedisWithTTL(a.redis, sc.Namespace, sc.VersionTTL)
		}
	}
	fetchers := map[optisync.EntityType]optisync.Fetcher{
		auction.TypeAuction:     a.Client,
		auction.TypeItem:        a.Client,
		auction.TypeTransaction: a.Client,
	}
	st, err := optisync.NewStore(optisync.Options{
		Namespace:       sc.Namespace,
		Provider:        p,
		Codec:           codec.Limit[map[string]any]{Inner: cd, MaxDecode: maxPayload},
		Versions:        vs,
		Fetchers:        fetchers,
		Logger:          a.Log,
		Hooks:           a.hooks,
		TTL:             sc.TTL,
		FetchTimeout:    sc.FetchTimeout,
		RefetchRPS:      sc.RefetchRPS,
		RefetchBurst:    sc.RefetchBurst,
		CleanupInterval: time.Hour,
		ComputeSetCost:  cost,
	})
	if err != nil {
		_ = p.Close(ctx)
		return nil, err
	}
	return st, nil
}

func (a *App) newProvider(ctx context.Context, sc config.StoreConfig) (pr.Provider, optisync.SetCostFunc, error) {
	switch sc.Provider {
	case "ristretto":
		p, err := ristretto.New(ristretto.Config{
			NumCounters: sc.Ristretto.NumCounters,
			MaxCost:     sc.Ristretto.MaxCost,
			BufferItems: sc.Ristretto.BufferItems,
		})
		if err != nil {
			return nil, nil, err
		}
		// max_cost is a byte budget
		return p, func(_ string, raw []byte) int64 { return int64(len(raw)) }, nil
	case "bigcache":
		p, err := bigcache.New(ctx, bigcache.Config{
			LifeWindow:         sc.BigCache.LifeWindow,
			MaxEntrySize:       sc.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: sc.BigCache.HardMaxCacheSizeMB,
		})
		return p, nil, err
	case "redis":
		p, err := redisprov.New(redisprov.Config{Client: a.redis, MaxValueBytes: a.Config.Redis.MaxValueBytes})
		return p, nil, err
	default:
		return nil, nil, fmt.Errorf("app: unknown provider %q", sc.Provider)
	}
}

func newCodec(name string) (codec.Codec[map[string]any], error) {
	switch name {
	case "json":
		return codec.JSON[map[string]any]{}, nil
	case "msgpack":
		return codec.Msgpack[map[string]any]{}, nil
	case "cbor":
		cb, err := codec.NewCBOR[map[string]any](true)
		if err != nil {
			return nil, err
		}
		return cb, nil
	case "protobuf":
		return codec.NewStruct(), nil
	default:
		return nil, fmt.Errorf("app: unknown codec %q", name)
	}
}

// Listener returns the realtime listener, or nil when realtime.url is
// unset.
func (a *App) Listener() (*realtime.Listener, error) {
	if a.Config.Realtime.URL == "" {
		return nil, nil
	}
	h := http.Header{}
	if a.Config.API.Token != "" {
		h.Set("Authorization", "Bearer "+a.Config.API.Token)
	}
	return realtime.New(a.Reconciler, realtime.Options{
		URL:       a.Config.Realtime.URL,
		Header:    h,
		Reconnect: a.Config.Realtime.Reconnect,
		Logger:    a.Log,
	})
}

// Close flushes hooks and closes the store, then the shared redis client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close(ctx))
	}
	a.closePartial()
	return errors.Join(errs...)
}

func (a *App) closePartial() {
	if a.hooks != nil {
		a.hooks.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Zap != nil {
		_ = a.Zap.Sync()
	}
}

func newZap(level string, out io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("app: log level: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(out), lvl)
	return zap.New(core), nil
}

func newSlog(level string, out io.Writer) *stdslog.Logger {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = stdslog.LevelInfo
	}
	return stdslog.New(stdslog.NewJSONHandler(out, &stdslog.HandlerOptions{Level: lvl}))
}

func newLogger(lc config.LogConfig, zl *zap.Logger, out io.Writer) (optisync.Logger, error) {
	switch lc.Backend {
	case "zap", "":
		return zaplog.New(zl), nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{})
		lvl, err := logrus.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("app: log level: %w", err)
		}
		l.SetLevel(lvl)
		return logruslog.New(l), nil
	case "slog":
		return slogadapter.New(newSlog(lc.Level, out)), nil
	default:
		return nil, fmt.Errorf("app: unknown log backend %q", lc.Backend)
	}
}
