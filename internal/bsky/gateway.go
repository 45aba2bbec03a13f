// Package bsky wraps the AT Protocol XRPC surface consumed by the
// crawler: batch profile resolution, paginated follower/follow
// listings, and list-item creation. Every outbound call first acquires
// a token from a shared token bucket, then runs under a bounded retry
// policy, so callers can fan out freely without tracking the remote's
// rate limits themselves.
package bsky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// ProfileBatchLimit is the remote's cap on app.bsky.actor.getProfiles.
	ProfileBatchLimit = 25

	// pageLimit is the page size used for follower/follow listings.
	pageLimit = 100

	// maxAttempts bounds retries per call; after that the call fails
	// with ErrRemoteUnavailable.
	maxAttempts = 3
)

var (
	// ErrAuthFailed means both session reuse and credential login failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrActorNotFound is terminal but benign: the account no longer
	// exists on the remote.
	ErrActorNotFound = errors.New("actor not found")

	// ErrRemoteUnavailable means a call kept failing after all retries.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// Profile is a resolved account profile.
type Profile struct {
	DID       string
	Handle    string
	Nick      string
	Desc      string
	Followers int64
	Following int64
}

// Actor is one entry in a follower or follow listing.
type Actor struct {
	DID    string
	Handle string
}

// Options configures Dial.
type Options struct {
	Identifier  string
	Password    string
	SessionFile string
	RateLimit   int // tokens per second for the shared bucket
}

// Gateway is the rate-limited remote client. It is safe for
// concurrent use.
type Gateway struct {
	client      *xrpc.Client
	limiter     *rate.Limiter
	sessionFile string

	// mu guards token refresh; regular calls read Auth without it,
	// which is fine because refresh happens before the failed call is
	// retried.
	mu sync.Mutex

	retryInitial time.Duration
}

// Dial logs in and returns a ready gateway. A previously persisted
// session is reused when possible; if resuming fails the gateway falls
// back to credential login and rewrites the session file.
func Dial(ctx context.Context, opts Options) (*Gateway, error) {
	var (
		client *xrpc.Client
		sess   *authSession
	)

	if stored, err := loadSession(opts.SessionFile); err == nil {
		client, sess, err = resumeSession(ctx, stored)
		if err != nil {
			slog.Warn("session resume failed, falling back to credential login", "error", err)
			client = nil
		}
	}
	if client == nil {
		var err error
		client, sess, err = createSession(ctx, opts.Identifier, opts.Password)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	if err := saveSession(opts.SessionFile, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	slog.Info("logged in", "did", client.Auth.Did, "handle", client.Auth.Handle)

	return &Gateway{
		client:       client,
		limiter:      rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		sessionFile:  opts.SessionFile,
		retryInitial: 500 * time.Millisecond,
	}, nil
}

// DID returns the authenticated account's DID.
func (g *Gateway) DID() string {
	return g.client.Auth.Did
}

// GetProfiles resolves up to ProfileBatchLimit DIDs in one call.
// Unknown DIDs are simply absent from the result.
func (g *Gateway) GetProfiles(ctx context.Context, dids []string) ([]Profile, error) {
	if len(dids) > ProfileBatchLimit {
		return nil, fmt.Errorf("profile batch too large: %d > %d", len(dids), ProfileBatchLimit)
	}

	var out *appbsky.ActorGetProfiles_Output
	err := g.call(ctx, func() error {
		var err error
		out, err = appbsky.ActorGetProfiles(ctx, g.client, dids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}

	profiles := make([]Profile, 0, len(out.Profiles))
	for _, p := range out.Profiles {
		profiles = append(profiles, Profile{
			DID:       p.Did,
			Handle:    p.Handle,
			Nick:      fromPtr(p.DisplayName),
			Desc:      fromPtr(p.Description),
			Followers: fromPtr(p.FollowersCount),
			Following: fromPtr(p.FollowsCount),
		})
	}
	return profiles, nil
}

// GetFollowers returns one page of accounts following did, plus the
// cursor for the next page (empty when exhausted).
func (g *Gateway) GetFollowers(ctx context.Context, did, cursor string) ([]Actor, string, error) {
	var out *appbsky.GraphGetFollowers_Output
	err := g.call(ctx, func() error {
		var err error
		out, err = appbsky.GraphGetFollowers(ctx, g.client, did, cursor, pageLimit)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("get followers of %s: %w", did, err)
	}
	return toActors(out.Followers), fromPtr(out.Cursor), nil
}

// GetFollows returns one page of accounts did follows, plus the cursor
// for the next page (empty when exhausted).
func (g *Gateway) GetFollows(ctx context.Context, did, cursor string) ([]Actor, string, error) {
	var out *appbsky.GraphGetFollows_Output
	err := g.call(ctx, func() error {
		var err error
		out, err = appbsky.GraphGetFollows(ctx, g.client, did, cursor, pageLimit)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("get follows of %s: %w", did, err)
	}
	return toActors(out.Follows), fromPtr(out.Cursor), nil
}

// CreateListItem adds subject to the moderation list at listURI.
func (g *Gateway) CreateListItem(ctx context.Context, listURI, subject string) error {
	record := &appbsky.GraphListitem{
		CreatedAt: syntax.DatetimeNow().String(),
		List:      listURI,
		Subject:   subject,
	}
	input := &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.graph.listitem",
		Repo:       g.client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: record},
	}
	err := g.call(ctx, func() error {
		_, err := comatproto.RepoCreateRecord(ctx, g.client, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("create list item for %s: %w", subject, err)
	}
	return nil
}

// ─── Rate limiting and retry ──────────────────────────────────────────────────

// call runs op under the token bucket and the retry policy. Each
// attempt acquires its own token. Terminal errors (actor not found,
// auth) come back wrapped in their sentinel; transient errors are
// retried up to maxAttempts and then wrapped in ErrRemoteUnavailable.
func (g *Gateway) call(ctx context.Context, op func() error) error {
	attempt := 0
	run := func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if isExpiredAuth(err) {
			if rerr := g.refreshAuth(ctx); rerr != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailed, rerr))
			}
			return err // retry with fresh tokens
		}
		if isActorNotFound(err) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrActorNotFound, err))
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		slog.Warn("retrying remote call", "attempt", attempt, "max", maxAttempts, "error", err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retryInitial
	err := backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrActorNotFound), errors.Is(err, ErrAuthFailed):
		return err
	case isRetryable(err):
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return err
}

// refreshAuth rotates the access token using the refresh token and
// rewrites the session file.
func (g *Gateway) refreshAuth(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	refresh := &xrpc.Client{
		Host:   g.client.Host,
		Client: g.client.Client,
		Auth: &xrpc.AuthInfo{
			Did:        g.client.Auth.Did,
			Handle:     g.client.Auth.Handle,
			AccessJwt:  g.client.Auth.RefreshJwt,
			RefreshJwt: g.client.Auth.RefreshJwt,
		},
	}
	out, err := comatproto.ServerRefreshSession(ctx, refresh)
	if err != nil {
		return err
	}
	g.client.Auth.AccessJwt = out.AccessJwt
	g.client.Auth.RefreshJwt = out.RefreshJwt

	sess := &authSession{DID: g.client.Auth.Did, PDS: g.client.Host, RefreshJwt: out.RefreshJwt}
	if err := saveSession(g.sessionFile, sess); err != nil {
		slog.Warn("failed to persist refreshed session", "error", err)
	}
	return nil
}

// ─── Error classification ─────────────────────────────────────────────────────

func isActorNotFound(err error) bool {
	var xe *xrpc.Error
	if errors.As(err, &xe) && xe.StatusCode != 400 {
		return false
	}
	var body *xrpc.XRPCError
	if errors.As(err, &body) {
		return strings.Contains(body.Message, "Actor not found")
	}
	return strings.Contains(err.Error(), "Actor not found")
}

func isExpiredAuth(err error) bool {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return false
	}
	if xe.StatusCode == 401 {
		return true
	}
	var body *xrpc.XRPCError
	if errors.As(err, &body) {
		return body.ErrStr == "ExpiredToken"
	}
	return false
}

// isRetryable reports whether an error is transient: transport
// failures, throttling, and server-side errors. Other protocol errors
// are terminal.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return true // transport error, timeout, connection reset
	}
	return xe.StatusCode == 429 || xe.StatusCode >= 500
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toActors(views []*appbsky.ActorDefs_ProfileView) []Actor {
	actors := make([]Actor, 0, len(views))
	for _, v := range views {
		actors = append(actors, Actor{DID: v.Did, Handle: v.Handle})
	}
	return actors
}

func fromPtr[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
