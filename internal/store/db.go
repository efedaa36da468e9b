package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a spiral store database.
type DB struct {
	*sql.DB
	Path string

	log *zap.Logger

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// DefaultFileName is the database file created inside a data directory.
const DefaultFileName = "spiral.db"

// DefaultDataDir returns the default per-project data directory: ./.spiral
func DefaultDataDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}
	return filepath.Join(wd, ".spiral"), nil
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"busy_timeout(5000)",
	"mmap_size(268435456)", // 256MB
}

func dsn(path string) string {
	q := ""
	for i, p := range pragmas {
		if i == 0 {
			q += "?"
		} else {
			q += "&"
		}
		q += "_pragma=" + p
	}
	return path + q
}

// Open opens (or creates) the store at the given path and runs migrations.
//
// A file that cannot be opened as a store is moved aside to
// <path>.corrupt-<unixms> and a fresh, empty store is created in its place.
// Callers must treat an empty store as a valid starting state.
func Open(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := openFile(path, log)
	if err == nil {
		return db, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}

	moved, qerr := quarantine(path)
	if qerr != nil {
		return nil, fmt.Errorf("quarantine unreadable store: %w (open error: %v)", qerr, err)
	}
	log.Warn("store unreadable, starting empty",
		zap.String("path", path),
		zap.String("moved_to", moved),
		zap.Error(err))

	return openFile(path, log)
}

func openFile(path string, log *zap.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db := newDB(sqlDB, path, log)
	if err := db.init(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory store for testing. The pool is pinned to one
// connection because every SQLite memory connection is a separate database.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := newDB(sqlDB, ":memory:", zap.NewNop())
	for _, p := range []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := db.init(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func newDB(sqlDB *sql.DB, path string, log *zap.Logger) *DB {
	return &DB{
		DB:      sqlDB,
		Path:    path,
		log:     log,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (db *DB) init() error {
	if err := db.check(); err != nil {
		return err
	}
	if err := db.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.ensureLevelRange(context.Background()); err != nil {
		return fmt.Errorf("level range: %w", err)
	}
	return nil
}

// check fails on files SQLite cannot read as a database.
func (db *DB) check() error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick check: %s", result)
	}
	return nil
}

// quarantine renames an unreadable store and its WAL side files.
func quarantine(path string) (string, error) {
	moved := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixMilli())
	if err := os.Rename(path, moved); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			os.Rename(path+suffix, moved+suffix)
		}
	}
	return moved, nil
}

// newID returns a ULID. IDs sort by creation time and are never reused.
func (db *DB) newID(t time.Time) string {
	db.idMu.Lock()
	defer db.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), db.entropy).String()
}

// Size returns the approximate on-disk size of the store in bytes,
// including the WAL.
func (db *DB) Size(ctx context.Context) (int64, error) {
	if db.Path == ":memory:" {
		var pages, pageSize int64
		if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
			return 0, fmt.Errorf("page count: %w", err)
		}
		if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return 0, fmt.Errorf("page size: %w", err)
		}
		return pages * pageSize, nil
	}

	var total int64
	for _, p := range []string{db.Path, db.Path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total, nil
}
