// Package store is the durable crawl cache: accounts keyed by DID with
// locally assigned dense integer uids, and the directed follow edges
// between them. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger crawls).
//
// The store has a single-writer discipline: every mutating operation
// takes the writer lock, and each batch is committed in one
// transaction before the call returns. Readers may run concurrently
// with each other. Re-opening an existing cache file is safe; schema
// creation is idempotent.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// maxResolveBatch bounds the number of bound parameters in a single
// lookup query. SQLite supports a few hundred by default; 512 leaves
// headroom on both drivers.
const maxResolveBatch = 512

// Account is one cached actor.
type Account struct {
	UID       int64
	DID       string
	Handle    string
	Nick      string
	Desc      string
	Followers int64
	Following int64
	Fetched   bool
}

// Edge is a directed follow relation: From follows To.
type Edge struct {
	From int64
	To   int64
}

// Resolved pairs a DID with its assigned uid.
type Resolved struct {
	DID string
	UID int64
}

// Store wraps a database connection and provides all cache access.
type Store struct {
	db     *sql.DB
	driver string

	// mu serializes writers. Readers go straight to the pool.
	mu sync.Mutex
}

// Open opens the cache. The URL can be:
//   - A file path like "cache.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate() error {
	slog.Info("running cache migrations", "driver", s.driver)

	migrations := sqliteMigrations
	if s.driver == "postgres" {
		migrations = postgresMigrations
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("cache migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS account (
		uid         INTEGER PRIMARY KEY AUTOINCREMENT,
		did         TEXT NOT NULL,
		handle      TEXT NOT NULL,
		nick        TEXT NOT NULL,
		description TEXT NOT NULL,
		followers   INTEGER NOT NULL,
		following   INTEGER NOT NULL,
		fetched     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS account_did ON account(did)`,
	`CREATE INDEX IF NOT EXISTS account_handle ON account(handle)`,
	`CREATE TABLE IF NOT EXISTS follow_edge (
		from_uid INTEGER NOT NULL,
		to_uid   INTEGER NOT NULL,
		PRIMARY KEY (from_uid, to_uid)
	)`,
	`CREATE INDEX IF NOT EXISTS follow_edge_to ON follow_edge(to_uid)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS account (
		uid         BIGSERIAL PRIMARY KEY,
		did         TEXT NOT NULL,
		handle      TEXT NOT NULL,
		nick        TEXT NOT NULL,
		description TEXT NOT NULL,
		followers   BIGINT NOT NULL,
		following   BIGINT NOT NULL,
		fetched     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS account_did ON account(did)`,
	`CREATE INDEX IF NOT EXISTS account_handle ON account(handle)`,
	`CREATE TABLE IF NOT EXISTS follow_edge (
		from_uid BIGINT NOT NULL,
		to_uid   BIGINT NOT NULL,
		PRIMARY KEY (from_uid, to_uid)
	)`,
	`CREATE INDEX IF NOT EXISTS follow_edge_to ON follow_edge(to_uid)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Accounts ─────────────────────────────────────────────────────────────────

// ResolveExisting looks up the uids already assigned to the given
// DIDs. Unknown DIDs are simply absent from the result. At most
// maxResolveBatch DIDs may be passed per call.
func (s *Store) ResolveExisting(dids []string) ([]Resolved, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	if len(dids) > maxResolveBatch {
		return nil, fmt.Errorf("resolve batch too large: %d > %d", len(dids), maxResolveBatch)
	}

	q := `SELECT did, uid FROM account WHERE did IN (` + s.placeholders(len(dids)) + `)`
	rows, err := s.db.Query(q, asAny(dids)...)
	if err != nil {
		return nil, fmt.Errorf("resolve dids: %w", err)
	}
	defer rows.Close()

	var out []Resolved
	for rows.Next() {
		var r Resolved
		if err := rows.Scan(&r.DID, &r.UID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertAccounts upserts profile rows keyed by DID. A uid is assigned
// on first insert; rows already present are left untouched, so profile
// fields observed first win.
func (s *Store) InsertAccounts(accounts []Account) error {
	if len(accounts) == 0 {
		return nil
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO account (did, handle, nick, description, followers, following, fetched)
			VALUES (?, ?, ?, ?, ?, ?, 0)`
	} else {
		q = `INSERT INTO account (did, handle, nick, description, followers, following, fetched)
			VALUES ($1, $2, $3, $4, $5, $6, 0) ON CONFLICT (did) DO NOTHING`
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert accounts: %w", err)
	}
	defer tx.Rollback()

	for _, a := range accounts {
		if _, err := tx.Exec(q, a.DID, a.Handle, a.Nick, a.Desc, a.Followers, a.Following); err != nil {
			return fmt.Errorf("insert account %s: %w", a.DID, err)
		}
	}
	return tx.Commit()
}

// UIDs returns the uids for the given DIDs, in no particular order.
// DIDs without a cached row are skipped.
func (s *Store) UIDs(dids []string) ([]int64, error) {
	var uids []int64
	for start := 0; start < len(dids); start += maxResolveBatch {
		end := min(start+maxResolveBatch, len(dids))
		resolved, err := s.ResolveExisting(dids[start:end])
		if err != nil {
			return nil, err
		}
		for _, r := range resolved {
			uids = append(uids, r.UID)
		}
	}
	return uids, nil
}

// MarkFetched flips the fetched bit for did. This is the crawl's
// commit point: a fetched account is never re-expanded unless forced.
func (s *Store) MarkFetched(did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE account SET fetched = 1 WHERE did = `+s.ph(), did)
	if err != nil {
		return fmt.Errorf("mark fetched %s: %w", did, err)
	}
	return nil
}

// LoadAccount returns the cached row for did, or nil if the DID has
// never been seen.
func (s *Store) LoadAccount(did string) (*Account, error) {
	var a Account
	var fetched int
	err := s.db.QueryRow(
		`SELECT uid, did, handle, nick, description, followers, following, fetched FROM account WHERE did = `+s.ph(),
		did,
	).Scan(&a.UID, &a.DID, &a.Handle, &a.Nick, &a.Desc, &a.Followers, &a.Following, &fetched)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", did, err)
	}
	a.Fetched = fetched != 0
	return &a, nil
}

// AllAccounts returns every cached account keyed by uid.
func (s *Store) AllAccounts() (map[int64]Account, error) {
	rows, err := s.db.Query(`SELECT uid, did, handle, nick, description, followers, following, fetched FROM account`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	accounts := make(map[int64]Account)
	for rows.Next() {
		var a Account
		var fetched int
		if err := rows.Scan(&a.UID, &a.DID, &a.Handle, &a.Nick, &a.Desc, &a.Followers, &a.Following, &fetched); err != nil {
			return nil, err
		}
		a.Fetched = fetched != 0
		accounts[a.UID] = a
	}
	return accounts, rows.Err()
}

// ─── Edges ────────────────────────────────────────────────────────────────────

// InsertEdges records directed follow edges. Inserts are idempotent
// set-union: re-inserting an existing edge is a no-op.
func (s *Store) InsertEdges(edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO follow_edge (from_uid, to_uid) VALUES (?, ?)`
	} else {
		q = `INSERT INTO follow_edge (from_uid, to_uid) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert edges: %w", err)
	}
	defer tx.Rollback()

	for _, e := range edges {
		if _, err := tx.Exec(q, e.From, e.To); err != nil {
			return fmt.Errorf("insert edge (%d,%d): %w", e.From, e.To, err)
		}
	}
	return tx.Commit()
}

// AllEdges returns the full edge set.
func (s *Store) AllEdges() ([]Edge, error) {
	rows, err := s.db.Query(`SELECT from_uid, to_uid FROM follow_edge`)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ph returns the SQL placeholder token for a single-argument query.
// SQLite uses ? and PostgreSQL uses $1.
func (s *Store) ph() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}

// placeholders returns n comma-joined placeholder tokens.
func (s *Store) placeholders(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		if s.driver == "postgres" {
			fmt.Fprintf(&b, "$%d", i+1)
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

func asAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
