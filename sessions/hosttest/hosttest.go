// Package hosttest provides a conformance test suite for sessions.Host
// implementations. Backend packages call Run from their own tests so every
// host honors the same versioning, TTL and not-found semantics.
package hosttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftforge/handoff-go/sessions"
)

// HostFactory creates a fresh Host for a single test. Cleanup should be
// registered on t.
type HostFactory func(t *testing.T) sessions.Host

// Run runs the complete Host conformance suite against the factory.
func Run(t *testing.T, factory HostFactory) {
	t.Run("CreateAndGetRoundtrip", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("GetMissingSession", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("CreateCollision", func(t *testing.T) { testCreateCollision(t, factory) })
	t.Run("ConditionalWriteVersioning", func(t *testing.T) { testVersioning(t, factory) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, factory) })
	t.Run("UpdateMissingSession", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTLReported", func(t *testing.T) { testTTLReported(t, factory) })
	t.Run("TTLRewrite", func(t *testing.T) { testTTLRewrite(t, factory) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, factory) })
}

func testCreateAndGet(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"a":1}`), 0, time.Hour))

	rec, err := h.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.JSONEq(t, `{"a":1}`, string(rec.Payload))
}

func testGetMissing(t *testing.T, factory HostFactory) {
	h := factory(t)

	_, err := h.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func testCreateCollision(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour))
	err := h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour)
	assert.ErrorIs(t, err, sessions.ErrSessionExists)
}

func testVersioning(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"n":0}`), 0, time.Hour))
	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"n":1}`), 1, time.Hour))
	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"n":2}`), 2, time.Hour))

	rec, err := h.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
	assert.JSONEq(t, `{"n":2}`, string(rec.Payload))
}

func testVersionConflict(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"n":0}`), 0, time.Hour))
	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{"n":1}`), 1, time.Hour))

	// A writer that read version 1 must lose now that version is 2.
	err := h.PutSession(ctx, "s1", []byte(`{"n":99}`), 1, time.Hour)
	assert.ErrorIs(t, err, sessions.ErrVersionConflict)

	rec, err := h.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(rec.Payload), "losing write must not mutate the record")
}

func testUpdateMissing(t *testing.T, factory HostFactory) {
	h := factory(t)

	err := h.PutSession(context.Background(), "nope", []byte(`{}`), 1, time.Hour)
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func testDelete(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour))
	require.NoError(t, h.DeleteSession(ctx, "s1"))

	_, err := h.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	// Deleting an absent session is not an error.
	require.NoError(t, h.DeleteSession(ctx, "s1"))
}

func testTTLReported(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour))

	d, err := h.SessionTTL(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, d, 50*time.Minute)
	assert.LessOrEqual(t, d, time.Hour)

	_, err = h.SessionTTL(ctx, "nope")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
}

func testTTLRewrite(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour))
	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 1, 48*time.Hour))

	d, err := h.SessionTTL(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, d, 47*time.Hour, "rewrite must replace the TTL, not keep the old one")
}

func testExpiry(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx := context.Background()

	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, 50*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	_, err := h.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	// An expired record does not block a fresh create.
	require.NoError(t, h.PutSession(ctx, "s1", []byte(`{}`), 0, time.Hour))
}
