package wallet

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"meterd/entities"
)

const DefaultBalanceTTL = 10 * time.Second

//Cached serves balances from a TTL cache in front of another wallet.
//Charges go straight through and do not invalidate cached balances.
type Cached struct {
	Wallet

	balances   *ttlcache.Cache[string, float64]
	subsidized *ttlcache.Cache[string, float64]
}

func NewCached(w Wallet, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	c := &Cached{
		Wallet: w,
		balances: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](ttl),
			ttlcache.WithDisableTouchOnHit[string, float64](),
		),
		subsidized: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](ttl),
			ttlcache.WithDisableTouchOnHit[string, float64](),
		),
	}
	go c.balances.Start()
	go c.subsidized.Start()
	return c
}

func (c *Cached) GetBalance(ctx context.Context, userID string) (float64, error) {
	return cachedLookup(ctx, c.balances, userID, c.Wallet.GetBalance)
}

func (c *Cached) GetSubsidizedBalance(ctx context.Context, userID string) (float64, error) {
	return cachedLookup(ctx, c.subsidized, userID, c.Wallet.GetSubsidizedBalance)
}

func (c *Cached) Charge(ctx context.Context, receipt *entities.Receipt) (float64, error) {
	return c.Wallet.Charge(ctx, receipt)
}

func (c *Cached) Stop() {
	c.balances.Stop()
	c.subsidized.Stop()
}

func cachedLookup(ctx context.Context, cache *ttlcache.Cache[string, float64], userID string, fetch func(context.Context, string) (float64, error)) (float64, error) {
	if item := cache.Get(userID); item != nil {
		return item.Value(), nil
	}
	v, err := fetch(ctx, userID)
	if err != nil {
		return 0, err
	}
	cache.Set(userID, v, ttlcache.DefaultTTL)
	return v, nil
}
