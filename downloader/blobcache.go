package downloader

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// BlobCache is a content-addressed cache of fetched source archives, shared
// across tasks: repeat sources are served without re-downloading. Blobs are
// immutable files named by their sha256 under <scratch>/blobs/, indexed in
// a sqlite database so that hits survive process restarts.
type BlobCache struct {
	db  *sql.DB
	dir string
	mu  sync.Mutex
}

// OpenBlobCache opens (creating as needed) the blob cache under |scratch|.
func OpenBlobCache(scratch string) (*BlobCache, error) {
	var dir = filepath.Join(scratch, "blobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}

	var db, err = sql.Open("sqlite3", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening blob index: %w", err)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS blobs (
			sha256     TEXT PRIMARY KEY NOT NULL,
			path       TEXT NOT NULL,
			size       INTEGER NOT NULL,
			created_ms INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing blob index: %w", err)
	}
	return &BlobCache{db: db, dir: dir}, nil
}

// Close closes the index database.
func (b *BlobCache) Close() error { return b.db.Close() }

// Lookup returns the blob path of |sha256| if cached.
func (b *BlobCache) Lookup(sha256 string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var path string
	var err = b.db.QueryRow(`SELECT path FROM blobs WHERE sha256 = ?`, sha256).Scan(&path)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("blob lookup: %w", err)
	}

	// The index can outlive a cleaned filesystem; verify before serving.
	if _, err = os.Stat(path); err != nil {
		_, _ = b.db.Exec(`DELETE FROM blobs WHERE sha256 = ?`, sha256)
		return "", false, nil
	}
	return path, true, nil
}

// Commit moves the verified temporary file |tmp| into the cache under
// |sha256|, returning the blob's final path. Racing commits of the same
// content converge on one blob.
func (b *BlobCache) Commit(sha256, tmp string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var path = filepath.Join(b.dir, sha256)
	var fi, err = os.Stat(tmp)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", tmp, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		_ = os.Remove(tmp) // Lost the race; the existing blob is identical.
	} else if err = os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("committing blob: %w", err)
	}

	if _, err = b.db.Exec(
		`INSERT OR IGNORE INTO blobs (sha256, path, size, created_ms) VALUES (?, ?, ?, ?)`,
		sha256, path, fi.Size(), time.Now().UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("indexing blob: %w", err)
	}
	return path, nil
}
