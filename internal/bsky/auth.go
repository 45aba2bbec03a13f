package bsky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
)

// authSession is what we persist between runs: enough to resume via
// com.atproto.server.refreshSession without storing the password.
type authSession struct {
	DID        string `json:"did"`
	PDS        string `json:"pds"`
	RefreshJwt string `json:"refresh_jwt"`
}

func loadSession(path string) (*authSession, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess authSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	return &sess, nil
}

func saveSession(path string, sess *authSession) error {
	raw, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// createSession performs a credential login: resolve the identifier to
// its PDS, then com.atproto.server.createSession.
func createSession(ctx context.Context, identifier, password string) (*xrpc.Client, *authSession, error) {
	ident, err := syntax.ParseAtIdentifier(identifier)
	if err != nil {
		return nil, nil, fmt.Errorf("parse identifier %q: %w", identifier, err)
	}

	dir := identity.DefaultDirectory()
	resolved, err := dir.Lookup(ctx, ident)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve identity %s: %w", identifier, err)
	}
	pds := resolved.PDSEndpoint()
	if pds == "" {
		return nil, nil, fmt.Errorf("no PDS endpoint for %s", identifier)
	}

	client := &xrpc.Client{Host: pds, Client: newHTTPClient()}
	out, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: ident.String(),
		Password:   password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	client.Auth = &xrpc.AuthInfo{
		Did:        out.Did,
		Handle:     out.Handle,
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
	}
	return client, &authSession{DID: out.Did, PDS: pds, RefreshJwt: out.RefreshJwt}, nil
}

// resumeSession exchanges a stored refresh token for fresh access
// credentials. The refresh token rotates, so the caller must persist
// the returned session.
func resumeSession(ctx context.Context, sess *authSession) (*xrpc.Client, *authSession, error) {
	client := &xrpc.Client{
		Host:   sess.PDS,
		Client: newHTTPClient(),
		Auth: &xrpc.AuthInfo{
			Did: sess.DID,
			// refreshSession authenticates with the refresh token in
			// the access slot.
			AccessJwt:  sess.RefreshJwt,
			RefreshJwt: sess.RefreshJwt,
		},
	}
	out, err := comatproto.ServerRefreshSession(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh session: %w", err)
	}

	client.Auth.AccessJwt = out.AccessJwt
	client.Auth.RefreshJwt = out.RefreshJwt
	client.Auth.Handle = out.Handle
	return client, &authSession{DID: out.Did, PDS: sess.PDS, RefreshJwt: out.RefreshJwt}, nil
}

// newHTTPClient returns the transport used for all XRPC calls. The
// timeout makes hung round-trips surface as retryable failures.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
