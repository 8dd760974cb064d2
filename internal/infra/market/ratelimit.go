package market

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

// limiterSet rate limits outbound requests per market. Limits can be
// adjusted at runtime.
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[shared.MarketSymbol]*rate.Limiter
}

func newLimiterSet(c *Catalog) *limiterSet {
	ls := &limiterSet{limiters: make(map[shared.MarketSymbol]*rate.Limiter)}
	for _, m := range c.Markets() {
		ls.update(m.Symbol, m.RPS, m.Burst)
	}
	return ls
}

// wait blocks until a request to sym is allowed or ctx is done. Markets
// without a limit are never delayed.
func (ls *limiterSet) wait(ctx context.Context, sym shared.MarketSymbol) error {
	ls.mu.RLock()
	l := ls.limiters[sym]
	ls.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// update sets the limit of sym. A non-positive rps removes the limit.
func (ls *limiterSet) update(sym shared.MarketSymbol, rps float64, burst int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if rps <= 0 {
		delete(ls.limiters, sym)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	if l, ok := ls.limiters[sym]; ok {
		l.SetLimit(rate.Limit(rps))
		l.SetBurst(burst)
		return
	}
	ls.limiters[sym] = rate.NewLimiter(rate.Limit(rps), burst)
}
