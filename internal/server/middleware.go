package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"multicam/internal/metrics"
)

// corsMiddleware は許可するオリジンを設定したCORSミドルウェアを返す
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Content-Length", "Accept", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// rateLimit はクライアントIPごとのレート制限ミドルウェアを返す
// 一定時間リクエストのないクライアントの制限器は破棄する
func rateLimit(rps float64, burst int) gin.HandlerFunc {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	const idle = 10 * time.Minute

	var (
		mu        sync.Mutex
		clients   = make(map[string]*client)
		lastSweep = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > idle {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > idle {
					delete(clients, key)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		limiter := cl.limiter
		mu.Unlock()

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate_limited",
				Message:   "リクエストが多すぎます",
				Timestamp: now,
			})
			return
		}
		c.Next()
	}
}

// observe はリクエストをメトリクスとログに記録するミドルウェアを返す
func observe(m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		m.ObserveRequest(c.Request.Method, path, status, elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("client", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("リクエストの処理に失敗", fields...)
			return
		}
		logger.Debug("リクエストを処理", fields...)
	}
}
