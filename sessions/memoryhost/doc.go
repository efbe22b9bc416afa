// Package memoryhost provides a single-process, in-memory implementation
// of sessions.Host backed by a bounded LRU cache. Suitable for tests and
// single-node deployments; use redishost when more than one process needs
// to see the same sessions.
package memoryhost
