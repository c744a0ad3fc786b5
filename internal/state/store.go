// Package state manages the SQLite database that holds the site registry and
// per-replication sync watermarks.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/siterelay/internal/model"
)

// ErrNotFound is returned when a site id is not in the registry.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sites (
    id             TEXT    PRIMARY KEY,
    name           TEXT    NOT NULL DEFAULT '',
    url            TEXT    NOT NULL,
    type           TEXT    NOT NULL DEFAULT '',
    schema_version INTEGER NOT NULL DEFAULT 1,
    updated_at     TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_state (
    config_id      TEXT    NOT NULL,
    source_id      TEXT    NOT NULL,
    destination_id TEXT    NOT NULL,
    watermark      TEXT    NOT NULL DEFAULT '',
    last_run_at    TEXT    NOT NULL DEFAULT '',
    items_synced   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (config_id, source_id, destination_id)
);

CREATE TABLE IF NOT EXISTS item_hashes (
    config_id  TEXT NOT NULL,
    item_id    TEXT NOT NULL,
    hash       TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (config_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_sites_type ON sites (type);
`

// Watermark records how far one directional replication has progressed.
type Watermark struct {
	ConfigID      string
	SourceID      string
	DestinationID string
	Since         time.Time
	LastRunAt     time.Time
	ItemsSynced   int64
}

// Store is the SQLite-backed site registry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the registry database:
// ~/.local/share/siterelay/sites.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "siterelay", "sites.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- Sites -------------------------------------------------------------------

// Get returns the site with the given id, or an error wrapping [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (*model.Site, error) {
	const q = `SELECT id, name, url, type, schema_version FROM sites WHERE id = ?`
	site, err := scanSite(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("site %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading site %q: %w", id, err)
	}
	return site, nil
}

// Objects returns every registered site ordered by id.
func (s *Store) Objects(ctx context.Context) ([]*model.Site, error) {
	const q = `SELECT id, name, url, type, schema_version FROM sites ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying sites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sites []*model.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning site row: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// Save inserts or replaces a site. A site with an empty ID is assigned a new
// UUID, and a zero Version is set to [model.CurrentSiteVersion]; both are
// written back onto site.
func (s *Store) Save(ctx context.Context, site *model.Site) error {
	if site.URL == "" {
		return fmt.Errorf("saving site %q: url is required", site.Name)
	}
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	if site.Version == 0 {
		site.Version = model.CurrentSiteVersion
	}

	const q = `
		INSERT INTO sites (id, name, url, type, schema_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name           = excluded.name,
		    url            = excluded.url,
		    type           = excluded.type,
		    schema_version = excluded.schema_version,
		    updated_at     = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, q,
		site.ID,
		site.Name,
		site.URL,
		string(site.Type),
		site.Version,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("saving site %q: %w", site.ID, err)
	}
	return nil
}

// Delete removes the site with the given id. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting site %q: %w", id, err)
	}
	return nil
}

// --- Watermarks --------------------------------------------------------------

// GetWatermark returns the progress of one replication direction. A direction
// that never ran yields a zero Since and no error.
func (s *Store) GetWatermark(ctx context.Context, configID, sourceID, destinationID string) (*Watermark, error) {
	const q = `
		SELECT watermark, last_run_at, items_synced FROM sync_state
		WHERE config_id = ? AND source_id = ? AND destination_id = ?`

	wm := &Watermark{ConfigID: configID, SourceID: sourceID, DestinationID: destinationID}
	var since, lastRun string
	err := s.db.QueryRowContext(ctx, q, configID, sourceID, destinationID).Scan(&since, &lastRun, &wm.ItemsSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return wm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading watermark for %s (%s -> %s): %w", configID, sourceID, destinationID, err)
	}
	wm.Since, _ = parseTime(since)
	wm.LastRunAt, _ = parseTime(lastRun)
	return wm, nil
}

// SaveWatermark upserts the progress of one replication direction.
func (s *Store) SaveWatermark(ctx context.Context, wm *Watermark) error {
	const q = `
		INSERT INTO sync_state (config_id, source_id, destination_id, watermark, last_run_at, items_synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id, source_id, destination_id) DO UPDATE SET
		    watermark    = excluded.watermark,
		    last_run_at  = excluded.last_run_at,
		    items_synced = excluded.items_synced`

	_, err := s.db.ExecContext(ctx, q,
		wm.ConfigID,
		wm.SourceID,
		wm.DestinationID,
		formatTime(wm.Since),
		formatTime(wm.LastRunAt),
		wm.ItemsSynced,
	)
	if err != nil {
		return fmt.Errorf("saving watermark for %s (%s -> %s): %w", wm.ConfigID, wm.SourceID, wm.DestinationID, err)
	}
	return nil
}

// --- Item hashes -------------------------------------------------------------

// ItemHashes returns the content hash last replicated for every item of a
// config, keyed by item id. Both directions of a config share the map.
func (s *Store) ItemHashes(ctx context.Context, configID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, hash FROM item_hashes WHERE config_id = ?`, configID)
	if err != nil {
		return nil, fmt.Errorf("querying item hashes for %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scanning item hash row: %w", err)
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// SaveItemHash records the content hash of an item just replicated.
func (s *Store) SaveItemHash(ctx context.Context, configID, itemID, hash string) error {
	const q = `
		INSERT INTO item_hashes (config_id, item_id, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(config_id, item_id) DO UPDATE SET
		    hash       = excluded.hash,
		    updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, q, configID, itemID, hash, formatTime(s.now())); err != nil {
		return fmt.Errorf("saving hash of item %q for %s: %w", itemID, configID, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanSite can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanSite(s scanner) (*model.Site, error) {
	var site model.Site
	var typ string
	if err := s.Scan(&site.ID, &site.Name, &site.URL, &typ, &site.Version); err != nil {
		return nil, err
	}
	site.Type = model.SiteType(typ)
	return &site, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
