package bsky

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// testGateway returns a gateway with a fast limiter and near-zero
// retry backoff so tests run quickly. No client is attached; only the
// call machinery is exercised.
func testGateway(perSecond int) *Gateway {
	return &Gateway{
		limiter:      rate.NewLimiter(rate.Limit(perSecond), 1),
		retryInitial: time.Millisecond,
	}
}

func notFoundErr() error {
	return &xrpc.Error{
		StatusCode: 400,
		Wrapped:    &xrpc.XRPCError{ErrStr: "InvalidRequest", Message: "Profile not found: Actor not found"},
	}
}

func TestCallSucceedsFirstTry(t *testing.T) {
	g := testGateway(1000)

	calls := 0
	err := g.call(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesTransientErrors(t *testing.T) {
	g := testGateway(1000)

	calls := 0
	err := g.call(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallExhaustionWrapsRemoteUnavailable(t *testing.T) {
	g := testGateway(1000)

	calls := 0
	err := g.call(context.Background(), func() error {
		calls++
		return &xrpc.Error{StatusCode: 502, Wrapped: errors.New("bad gateway")}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, maxAttempts, calls)
}

func TestCallActorNotFoundIsTerminal(t *testing.T) {
	g := testGateway(1000)

	calls := 0
	err := g.call(context.Background(), func() error {
		calls++
		return notFoundErr()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActorNotFound)
	assert.NotErrorIs(t, err, ErrRemoteUnavailable)
	assert.Equal(t, 1, calls)
}

func TestCallBadRequestIsTerminal(t *testing.T) {
	g := testGateway(1000)

	calls := 0
	err := g.call(context.Background(), func() error {
		calls++
		return &xrpc.Error{
			StatusCode: 400,
			Wrapped:    &xrpc.XRPCError{ErrStr: "InvalidRequest", Message: "must be a valid did"},
		}
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRemoteUnavailable)
	assert.NotErrorIs(t, err, ErrActorNotFound)
	assert.Equal(t, 1, calls)
}

func TestCallCanceledContext(t *testing.T) {
	g := testGateway(1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := g.call(ctx, func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestCallPacesThroughLimiter(t *testing.T) {
	// 50 tokens/s with burst 1 forces roughly 20ms between calls, so 6
	// sequential calls cannot finish in under 100ms.
	g := testGateway(50)

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, g.call(context.Background(), func() error { return nil }))
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestGetProfilesRejectsOversizedBatch(t *testing.T) {
	g := testGateway(1000)

	dids := make([]string, ProfileBatchLimit+1)
	for i := range dids {
		dids[i] = "did:plc:user"
	}
	_, err := g.GetProfiles(context.Background(), dids)
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	t.Run("actor not found", func(t *testing.T) {
		assert.True(t, isActorNotFound(notFoundErr()))
		assert.False(t, isActorNotFound(&xrpc.Error{
			StatusCode: 500,
			Wrapped:    &xrpc.XRPCError{ErrStr: "InternalError", Message: "Actor not found"},
		}))
		assert.False(t, isActorNotFound(errors.New("connection reset")))
	})

	t.Run("expired auth", func(t *testing.T) {
		assert.True(t, isExpiredAuth(&xrpc.Error{
			StatusCode: 400,
			Wrapped:    &xrpc.XRPCError{ErrStr: "ExpiredToken", Message: "Token has expired"},
		}))
		assert.True(t, isExpiredAuth(&xrpc.Error{StatusCode: 401, Wrapped: errors.New("unauthorized")}))
		assert.False(t, isExpiredAuth(notFoundErr()))
		assert.False(t, isExpiredAuth(errors.New("connection reset")))
	})

	t.Run("retryable", func(t *testing.T) {
		assert.True(t, isRetryable(errors.New("connection reset")))
		assert.True(t, isRetryable(&xrpc.Error{StatusCode: 429, Wrapped: errors.New("rate limited")}))
		assert.True(t, isRetryable(&xrpc.Error{StatusCode: 503, Wrapped: errors.New("unavailable")}))
		assert.False(t, isRetryable(notFoundErr()))
		assert.False(t, isRetryable(context.Canceled))
	})
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	sess := &authSession{
		DID:        "did:plc:moderator",
		PDS:        "https://pds.example.com",
		RefreshJwt: "refresh-token",
	}
	require.NoError(t, saveSession(path, sess))

	got, err := loadSession(path)
	require.NoError(t, err)
	assert.Equal(t, sess, got)
}

func TestLoadSessionMissingFile(t *testing.T) {
	_, err := loadSession(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
