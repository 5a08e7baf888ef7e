package handler

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const slowRequest = 100 * time.Millisecond

// RequestLogger logs every failed, non-200 or slow request, and at most
// one healthy request per sampleEvery.
func RequestLogger(logger *zap.Logger, sampleEvery time.Duration) fiber.Handler {
	var (
		mu      sync.Mutex
		lastLog time.Time
	)

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		latency := time.Since(start)
		status := c.Response().StatusCode()

		if err != nil || latency > slowRequest || status != fiber.StatusOK {
			logger.Info("request",
				zap.Int("status", status),
				zap.Duration("latency", latency),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastLog) >= sampleEvery {
			logger.Info("sampled_request",
				zap.Int("status", status),
				zap.Duration("latency", latency),
				zap.String("method", c.Method()),
				zap.String("path", c.Path()))
			lastLog = time.Now()
		}
		return nil
	}
}
