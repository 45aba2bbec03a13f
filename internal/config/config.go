// Package config loads the single JSON configuration document that
// drives a crawl-and-rank run. File paths inside the document are
// resolved relative to the directory containing the config file, so a
// config dir can be moved around as a unit.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all runtime configuration.
type Config struct {
	User     string `json:"user"`
	Password string `json:"password"`

	SessionFile string `json:"session_file"`
	CacheDB     string `json:"cache_db"`
	BlockedCSV  string `json:"blocked_csv"`
	OutputCSV   string `json:"output_csv"`

	PageRankDamping float64 `json:"page_rank_damping"`
	RankThreshold   float64 `json:"rank_threshold"`
	RateLimit       int     `json:"rate_limit"`
	MaxFollowers    int64   `json:"max_followers"`
	Depth           int     `json:"depth"`

	// DirectedRank selects the graph projection used for ranking:
	// true ranks the directed follow graph, false (the default) the
	// undirected one.
	DirectedRank bool `json:"directed_rank"`

	// DefaultBad treats block-list entries without a reason type as
	// bad. Defaults to true.
	DefaultBad *bool `json:"default_bad"`

	dir string
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.User == "":
		return fmt.Errorf("user is required")
	case c.SessionFile == "":
		return fmt.Errorf("session_file is required")
	case c.CacheDB == "":
		return fmt.Errorf("cache_db is required")
	case c.BlockedCSV == "":
		return fmt.Errorf("blocked_csv is required")
	case c.OutputCSV == "":
		return fmt.Errorf("output_csv is required")
	case c.PageRankDamping <= 0 || c.PageRankDamping >= 1:
		return fmt.Errorf("page_rank_damping must be in (0,1), got %g", c.PageRankDamping)
	case c.RateLimit < 1:
		return fmt.Errorf("rate_limit must be at least 1, got %d", c.RateLimit)
	case c.MaxFollowers < 0:
		return fmt.Errorf("max_followers must be non-negative, got %d", c.MaxFollowers)
	case c.Depth < 1:
		return fmt.Errorf("depth must be at least 1, got %d", c.Depth)
	}
	return nil
}

// DefaultBadEnabled reports the default-bad policy, which is on unless
// the config explicitly disables it.
func (c *Config) DefaultBadEnabled() bool {
	return c.DefaultBad == nil || *c.DefaultBad
}

// SessionFilePath returns the absolute session file path.
func (c *Config) SessionFilePath() string { return c.resolve(c.SessionFile) }

// CacheDBPath returns the cache database location. Full DSNs such as
// postgres:// URLs are passed through untouched; bare file names are
// resolved against the config dir.
func (c *Config) CacheDBPath() string {
	if strings.Contains(c.CacheDB, "://") {
		return c.CacheDB
	}
	return c.resolve(c.CacheDB)
}

// BlockedCSVPath returns the absolute seed block-list path.
func (c *Config) BlockedCSVPath() string { return c.resolve(c.BlockedCSV) }

// OutputCSVPath returns the absolute ranked-output path.
func (c *Config) OutputCSVPath() string { return c.resolve(c.OutputCSV) }

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}
