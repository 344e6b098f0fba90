// Package apps is the read path for tenant rows: a stale-while-revalidate
// in-process cache in front of the store, with optional Redis pub/sub
// invalidation driven by the tenant registry.
package apps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/cache"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/redis"
)

// InvalidationChannel is the Redis pub/sub channel the tenant registry
// publishes changed app ids on.
const InvalidationChannel = "sinkr:apps:invalidate"

// Invalidation is one cache invalidation message.
type Invalidation struct {
	AppID string `json:"appId"`
}

// appGetter is the slice of the store this service reads.
type appGetter interface {
	GetApp(ctx context.Context, appID string) (*store.App, error)
}

// Service resolves apps by id. Lookups collapse through singleflight;
// missing rows are negatively cached so unknown-app floods stay off the
// database.
type Service struct {
	store  appGetter
	cache  *cache.Cache[store.App]
	logger logging.Logger
}

// NewService builds the cached read path. cacheEvents may be nil.
func NewService(st appGetter, cacheEvents *prometheus.CounterVec, logger logging.Logger) *Service {
	hooks := cache.MetricsHooks{}
	if cacheEvents != nil {
		hooks = cache.MetricsHooks{
			OnHit:   func(string) { cacheEvents.WithLabelValues("hit").Inc() },
			OnMiss:  func(string) { cacheEvents.WithLabelValues("miss").Inc() },
			OnStale: func(string) { cacheEvents.WithLabelValues("stale").Inc() },
			OnError: func(string) { cacheEvents.WithLabelValues("error").Inc() },
		}
	}

	return &Service{
		store: st,
		cache: cache.New[store.App](cache.Options{
			TTL:                  30 * time.Second,
			StaleWhileRevalidate: 5 * time.Minute,
			NegativeTTL:          10 * time.Second,
			MaxEntries:           4096,
		}, hooks),
		logger: logger,
	}
}

// Resolve returns the app when it exists and is enabled. Missing and
// disabled apps both return store.ErrNotFound: neither may open sockets.
func (s *Service) Resolve(ctx context.Context, appID string) (*store.App, error) {
	app, ok, err := s.cache.Get(ctx, appID, func(ctx context.Context, key string) (store.App, bool, error) {
		row, err := s.store.GetApp(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.App{}, false, store.ErrNotFound
			}
			return store.App{}, false, fmt.Errorf("load app %s: %w", key, err)
		}
		return *row, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	if !app.Enabled {
		return nil, store.ErrNotFound
	}
	return &app, nil
}

// Invalidate drops one app from the cache.
func (s *Service) Invalidate(appID string) {
	s.cache.Delete(appID)
}

// StartInvalidation consumes the registry's invalidation channel until the
// context is cancelled. Subscription failures retry with a flat delay; the
// cache stays correct without invalidation, only staler.
func (s *Service) StartInvalidation(ctx context.Context, client goredis.UniversalClient) {
	pubsub := redis.NewTypedPubSub[Invalidation](client, s.logger)

	go func() {
		for {
			err := pubsub.Subscribe(ctx, InvalidationChannel, func(msg Invalidation) {
				if msg.AppID == "" {
					return
				}
				s.Invalidate(msg.AppID)
				s.logger.WithField("app_id", msg.AppID).Debug("Invalidated app cache entry")
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.WithError(err).Warn("App invalidation subscription failed, retrying")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}
