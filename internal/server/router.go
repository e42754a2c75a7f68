package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the API routes with logging, recovery and JSON
// content-type middleware.
func NewRouter(logger *zap.Logger, s *Server) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.POST("/quote", s.Quote)
	r.POST("/swap/submit", s.SubmitSwap)
	r.GET("/balance", s.Balance)
	r.POST("/tokens", s.Tokens)
	r.POST("/price", s.Prices)
	r.POST("/liquidity", s.Liquidity)

	r.POST("/bundler", s.BundlerCall)
	r.GET("/bundler", s.BundlerReceipt)
	r.POST("/sponsor", s.Sponsor)

	sess := r.Group("/session")
	sess.POST("/metadata", s.PutSessionMetadata)
	sess.GET("/metadata", s.GetSessionMetadata)
	sess.DELETE("/metadata", s.DeleteSessionMetadata)
	sess.POST("/ping", s.PingSession)
	sess.POST("/revoke", s.RevokeSession)

	r.GET("/orders", s.ListOrders)
	r.GET("/orders/:orderHash", s.GetOrder)
	r.GET("/chains", s.Chains)

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
