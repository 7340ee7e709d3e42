// Package middleware rate limits the artifact upload endpoints.
//
// RateLimiter is an in-process token bucket. DistributedRateLimiter counts
// requests per fixed window in Redis so several replicas share one budget.
// Both key clients by IP:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//	router.Handle("/upload", middleware.RateLimit(limiter, logger)(handler))
//
// A limiter error lets the request through and logs a warning.
package middleware
