// Package dispatch implements C5, the Dispatcher: the queue.Handler that
// turns a queued link into a pool selection, a session inspect, a cache
// write, and a released bot.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/user/inspect-gateway/internal/apierr"
	"github.com/user/inspect-gateway/internal/cache"
	"github.com/user/inspect-gateway/internal/metrics"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
	"github.com/user/inspect-gateway/internal/upstream"
)

var tracer = otel.Tracer("inspect-gateway/dispatch")

// GameDataProvider annotates a normalized item with rank and third-party
// game-data properties. The real lookup is out of scope (spec.md §1); this
// interface exists so the dispatcher still exercises the annotate/strip
// step against a concrete implementation.
type GameDataProvider interface {
	Annotate(ctx context.Context, item *upstream.NormalizedItem) (rank int, gameData map[string]any)
}

// NoopGameDataProvider annotates nothing; used when no provider is
// configured.
type NoopGameDataProvider struct{}

func (NoopGameDataProvider) Annotate(ctx context.Context, item *upstream.NormalizedItem) (int, map[string]any) {
	return 0, nil
}

// Dispatcher holds the wiring lookupFloat needs.
type Dispatcher struct {
	pool     *proxypool.Pool
	cache    cache.CacheStore
	gameData GameDataProvider
}

// New builds a Dispatcher. Even a no-proxy deployment has a Pool, backed
// by proxypool.NewPool's synthetic single group.
func New(pool *proxypool.Pool, cacheStore cache.CacheStore, gameData GameDataProvider) *Dispatcher {
	if gameData == nil {
		gameData = NoopGameDataProvider{}
	}
	return &Dispatcher{pool: pool, cache: cacheStore, gameData: gameData}
}

// Handler returns the queue.Handler that drains C4 (spec.md §4.5).
func (d *Dispatcher) Handler() queue.Handler {
	return d.lookupFloat
}

// lookupFloat is fleet.lookupFloat from spec.md §4.5: select a bot,
// inspect, cache, annotate, release.
func (d *Dispatcher) lookupFloat(ctx context.Context, link queue.LinkRequest) (upstream.NormalizedItem, time.Duration, error) {
	ctx, span := tracer.Start(ctx, "dispatch.lookupFloat")
	defer span.End()

	if cached, err := d.cache.Get(ctx, link.AssetID); err == nil && cached != nil {
		return cached.Item, 0, nil
	}

	session, _, err := d.pool.GetAvailableBot(proxypool.StrategyLeastLoaded)
	if err != nil {
		metrics.ErrorKindTotal.WithLabelValues(string(apierr.KindNoBotsAvailable)).Inc()
		return upstream.NormalizedItem{}, 0, queue.ErrNoBotsAvailable
	}

	owner := link.Owner
	if link.Market != "" {
		owner = link.Market
	}

	start := time.Now()
	result, err := session.Inspect(ctx, owner, link.AssetID, link.D)
	metrics.InspectLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.pool.Release(session, false)
		metrics.ErrorKindTotal.WithLabelValues(string(apierr.KindGenericBad)).Inc()
		return upstream.NormalizedItem{}, 0, err
	}

	rank, gameData := d.gameData.Annotate(ctx, &result.Item)
	stripNullFields(&result.Item)

	if err := d.cache.Put(ctx, &cache.Record{
		AssetID:  link.AssetID,
		Item:     result.Item,
		Rank:     rank,
		GameData: gameData,
	}); err != nil {
		// A cache write failure doesn't invalidate a successful inspect; the
		// caller still gets the item, just not memoized.
		metrics.ErrorKindTotal.WithLabelValues(string(apierr.KindGenericBad)).Inc()
	}

	d.pool.Release(session, true)
	return result.Item, result.Delay, nil
}

// stripNullFields drops nil-valued entries from the item's passthrough
// extras, the way the original relay omits absent fields from its JSON
// reply instead of serializing them as null.
func stripNullFields(item *upstream.NormalizedItem) {
	for k, v := range item.Extra {
		if v == nil {
			delete(item.Extra, k)
		}
	}
}
