package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients   map[string]*ClientBucket
	mutex     sync.RWMutex
	cleanup   *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
	logger    *zap.Logger
	rps       float64
	burst     float64
	onLimited func()
	now       func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

type RateLimiterOption func(*RateLimiter)

// OnLimited registers a callback run for every rejected request.
func OnLimited(fn func()) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.onLimited = fn
	}
}

func NewRateLimiter(rps, burst int, logger *zap.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*ClientBucket),
		rps:     float64(rps),
		burst:   float64(burst),
		logger:  logger,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	retryAfter := int(math.Ceil(1 / math.Max(rl.rps, 1e-9)))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.allowRequest(clientIP) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path))
			if rl.onLimited != nil {
				rl.onLimited()
			}

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequest(clientIP string) bool {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[clientIP]
	if !exists {
		bucket = &ClientBucket{
			tokens:     rl.burst,
			lastUpdate: now,
		}
		rl.clients[clientIP] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(now, rl.rps, rl.burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps, burst float64) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if elapsed := now.Sub(cb.lastUpdate); elapsed > 0 {
		cb.tokens = math.Min(burst, cb.tokens+elapsed.Seconds()*rps)
		cb.lastUpdate = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanup.C:
			rl.evictIdle(10 * time.Minute)
		}
	}
}

func (rl *RateLimiter) evictIdle(idle time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for ip, bucket := range rl.clients {
		bucket.mutex.Lock()
		if now.Sub(bucket.lastUpdate) > idle {
			delete(rl.clients, ip)
		}
		bucket.mutex.Unlock()
	}
}

func (rl *RateLimiter) GetClientStats(clientIP string) (tokens float64, lastUpdate time.Time, exists bool) {
	rl.mutex.RLock()
	bucket, exists := rl.clients[clientIP]
	rl.mutex.RUnlock()

	if !exists {
		return 0, time.Time{}, false
	}

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()
	return bucket.tokens, bucket.lastUpdate, true
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.rps,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}
