package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDetectDriver(t *testing.T) {
	for _, tc := range []struct {
		url, driver, dsn string
	}{
		{"cache.db", "sqlite", "cache.db"},
		{"/var/lib/cache.db", "sqlite", "/var/lib/cache.db"},
		{"sqlite:///tmp/cache.db", "sqlite", "/tmp/cache.db"},
		{"postgres://u:p@host/db", "postgres", "postgres://u:p@host/db"},
		{"postgresql://u:p@host/db", "postgres", "postgresql://u:p@host/db"},
	} {
		driver, dsn := detectDriver(tc.url)
		assert.Equal(t, tc.driver, driver, tc.url)
		assert.Equal(t, tc.dsn, dsn, tc.url)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.InsertAccounts([]Account{{DID: "did:plc:alice", Handle: "alice.test"}}))
	require.NoError(t, s.Close())

	// Re-opening an existing cache and migrating again keeps the data.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate())

	acct, err := s.LoadAccount("did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, "alice.test", acct.Handle)
}

func TestInsertAccountsAssignsUIDs(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.InsertAccounts([]Account{
		{DID: "did:plc:alice", Handle: "alice.test", Nick: "Alice", Followers: 10, Following: 20},
		{DID: "did:plc:bob", Handle: "bob.test"},
	}))

	resolved, err := s.ResolveExisting([]string{"did:plc:alice", "did:plc:bob", "did:plc:unknown"})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	uids := map[string]int64{}
	for _, r := range resolved {
		uids[r.DID] = r.UID
	}
	assert.NotEqual(t, uids["did:plc:alice"], uids["did:plc:bob"])

	// Re-inserting an existing DID never clobbers the first-seen row
	// or its uid.
	require.NoError(t, s.InsertAccounts([]Account{
		{DID: "did:plc:alice", Handle: "renamed.test", Nick: "Not Alice"},
	}))
	acct, err := s.LoadAccount("did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, uids["did:plc:alice"], acct.UID)
	assert.Equal(t, "alice.test", acct.Handle)
	assert.Equal(t, "Alice", acct.Nick)
	assert.Equal(t, int64(10), acct.Followers)
}

func TestResolveExistingBatchLimit(t *testing.T) {
	s := newStore(t)

	dids := make([]string, maxResolveBatch+1)
	for i := range dids {
		dids[i] = fmt.Sprintf("did:plc:user%d", i)
	}
	_, err := s.ResolveExisting(dids)
	assert.Error(t, err)

	resolved, err := s.ResolveExisting(nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestUIDsChunksInternally(t *testing.T) {
	s := newStore(t)

	n := maxResolveBatch + 50
	accounts := make([]Account, n)
	dids := make([]string, n)
	for i := range accounts {
		did := fmt.Sprintf("did:plc:user%d", i)
		accounts[i] = Account{DID: did}
		dids[i] = did
	}
	require.NoError(t, s.InsertAccounts(accounts))

	uids, err := s.UIDs(append(dids, "did:plc:unknown"))
	require.NoError(t, err)
	assert.Len(t, uids, n)
}

func TestMarkFetched(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.InsertAccounts([]Account{{DID: "did:plc:alice"}}))

	acct, err := s.LoadAccount("did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.False(t, acct.Fetched)

	require.NoError(t, s.MarkFetched("did:plc:alice"))

	acct, err = s.LoadAccount("did:plc:alice")
	require.NoError(t, err)
	assert.True(t, acct.Fetched)

	// New inserts never resurrect or clear the bit.
	require.NoError(t, s.InsertAccounts([]Account{{DID: "did:plc:alice"}}))
	acct, err = s.LoadAccount("did:plc:alice")
	require.NoError(t, err)
	assert.True(t, acct.Fetched)
}

func TestLoadAccountUnknown(t *testing.T) {
	s := newStore(t)

	acct, err := s.LoadAccount("did:plc:nobody")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestInsertEdgesIdempotent(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.InsertAccounts([]Account{
		{DID: "did:plc:alice"},
		{DID: "did:plc:bob"},
	}))
	uids, err := s.UIDs([]string{"did:plc:alice", "did:plc:bob"})
	require.NoError(t, err)
	require.Len(t, uids, 2)

	edges := []Edge{
		{From: uids[0], To: uids[1]},
		{From: uids[1], To: uids[0]},
	}
	require.NoError(t, s.InsertEdges(edges))
	require.NoError(t, s.InsertEdges(edges))
	require.NoError(t, s.InsertEdges([]Edge{{From: uids[0], To: uids[1]}}))

	all, err := s.AllEdges()
	require.NoError(t, err)
	assert.ElementsMatch(t, edges, all)
}

func TestAllAccounts(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.InsertAccounts([]Account{
		{DID: "did:plc:alice", Handle: "alice.test", Desc: "line one\nline two"},
		{DID: "did:plc:bob", Handle: "bob.test"},
	}))
	require.NoError(t, s.MarkFetched("did:plc:bob"))

	accounts, err := s.AllAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		switch a.DID {
		case "did:plc:alice":
			assert.Equal(t, "line one\nline two", a.Desc)
			assert.False(t, a.Fetched)
		case "did:plc:bob":
			assert.True(t, a.Fetched)
		default:
			t.Fatalf("unexpected account %q", a.DID)
		}
	}
}
