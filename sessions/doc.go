// Package sessions tracks publish handoff sessions: the unit of work that
// survives the boundary between the interactive request that initiates a
// publish and the out-of-process CI runner that performs it.
//
// A PublishSession moves through a small state machine
// (pending-runner -> runner-attested -> processing -> terminal) and is held
// in a Host, a versioned key-value store with per-key TTL. The Store type
// layers session semantics on top of a Host: transition validation,
// metadata merging, and the active-window vs retention TTL policy. Writes
// are conditional on the record version so concurrent updates either
// serialize or fail with a detectable conflict instead of silently
// clobbering each other.
//
// Two Host implementations ship with the package: memoryhost (single
// process, bounded LRU) and redishost (shared, atomic compare-and-set via
// a server-side script). The hosttest subpackage holds the conformance
// suite both implementations run.
package sessions
