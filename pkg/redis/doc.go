// Package redis opens the Redis client used by the pub/sub alert and
// report sinks, with retrying startup and a health check closure for
// the readiness endpoint.
package redis
