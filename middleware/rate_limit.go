package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/cppla/filebox/utils"
)

const (
	limiterIdleTTL = 5 * time.Minute
	maxTrackedIPs  = 10000
)

// ipLimiters hands out one token bucket per client IP. A client unseen for limiterIdleTTL,
// or pushed out by maxTrackedIPs newer ones, starts over with a full bucket.
type ipLimiters struct {
	mu    sync.Mutex
	items *expirable.LRU[string, *rate.Limiter]
	limit rate.Limit
	burst int
}

func newIPLimiters(limit rate.Limit, burst int, ttl time.Duration) *ipLimiters {
	return &ipLimiters{
		items: expirable.NewLRU[string, *rate.Limiter](maxTrackedIPs, nil, ttl),
		limit: limit,
		burst: burst,
	}
}

func (l *ipLimiters) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.items.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// re-adding refreshes the idle deadline
	l.items.Add(key, lim)
	return lim.AllowN(now, 1)
}

// RateLimit applies an IP based token bucket of perMinute requests with a burst of half that.
func RateLimit(perMinute int) gin.HandlerFunc {
	perMinute = max(perMinute, 1)
	l := newIPLimiters(rate.Every(time.Minute/time.Duration(perMinute)), max(perMinute/2, 1), limiterIdleTTL)
	return func(ctx *gin.Context) {
		if !l.allow(ctx.ClientIP(), time.Now()) {
			utils.ErrorJSON(ctx, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx.Next()
	}
}
