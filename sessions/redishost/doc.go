// Package redishost provides a Redis-backed implementation of
// sessions.Host. Records live in a hash per session id (version + payload
// fields) with a per-key TTL; conditional writes run as a single
// server-side script so concurrent updates against the same session either
// serialize or fail with sessions.ErrVersionConflict.
package redishost
