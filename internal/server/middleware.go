package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/straja-ai/phiwatch/internal/auth"
	"github.com/straja-ai/phiwatch/internal/redact"
)

const clientKey = "phiwatch.client"

// observe records latency per route and prints one access line per request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		code := c.Writer.Status()
		if s.prom != nil {
			s.prom.ObserveHTTP(route, strconv.Itoa(code), elapsed.Seconds())
		}
		redact.Logf("http: %s %s status=%d latency_ms=%.2f", c.Request.Method, route, code, float64(elapsed)/float64(time.Millisecond))
	}
}

func (s *Server) cors() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(s.cfg.CORSAllowedOrigins))
	for _, o := range s.cfg.CORSAllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			h := c.Writer.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authenticate requires a configured API key unless no clients are configured. Browsers
// cannot set headers on websocket upgrades, so the stream also accepts ?access_token=.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth.Open() {
			c.Next()
			return
		}
		token, ok := auth.ParseBearer(c.GetHeader("Authorization"))
		if !ok && strings.HasSuffix(c.FullPath(), "/alerts/stream") {
			token = c.Query("access_token")
			ok = token != ""
		}
		if !ok {
			abortError(c, http.StatusUnauthorized, "missing or malformed Authorization header", "authentication_error")
			return
		}
		client, found := s.auth.Lookup(token)
		if !found {
			abortError(c, http.StatusUnauthorized, "invalid API key", "authentication_error")
			return
		}
		c.Set(clientKey, client.ID)
		c.Next()
	}
}

// rateLimit applies a token bucket per client, or per remote address on an open API.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		key := c.GetString(clientKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !s.limiter.allow(key) {
			c.Header("Retry-After", "1")
			abortError(c, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
			return
		}
		c.Next()
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	limit := s.cfg.MaxRequestBodyBytes
	return func(c *gin.Context) {
		if limit <= 0 || c.Request.Body == nil {
			c.Next()
			return
		}
		if c.Request.ContentLength > limit {
			abortError(c, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

type clientLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
