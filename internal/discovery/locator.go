package discovery

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// defaultResolveInterval caps re-resolution at once per second with a burst of
// one: fast enough for a DISCOVERING client backing off normally, slow enough
// that a misbehaving caller looping tightly can't hammer the DNS-SD backend.
const defaultResolveInterval = time.Second

// Locator adapts ResolveService into the registration client's RegistryLocator
// interface: Locate returns ranked candidate base URLs, highest-priority first.
type Locator struct {
	Browser  Browser
	Resolver Resolver
	Opts     ResolveOptions

	limiter *rate.Limiter
}

func (l *Locator) rateLimiter() *rate.Limiter {
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Every(defaultResolveInterval), 1)
	}
	return l.limiter
}

// Locate resolves registry candidates and returns their base URLs in rank
// order. Re-resolution is rate limited so a registration client stuck in a
// DISCOVERING retry loop can't issue browse/resolve calls faster than
// defaultResolveInterval.
func (l *Locator) Locate(ctx context.Context) ([]string, error) {
	if err := l.rateLimiter().Wait(ctx); err != nil {
		return nil, err
	}
	candidates, err := ResolveService(ctx, l.Browser, l.Resolver, l.Opts)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		urls = append(urls, c.URI)
	}
	return urls, nil
}
