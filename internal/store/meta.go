package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/scoring"
)

// Keys in store_meta.
const (
	MetaLevelCount = "level_count"
	MetaDimension  = "dimension"
	MetaModel      = "embedding_model"
)

// GetMeta returns a store_meta value. ok is false when the key is absent.
func (db *DB) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta inserts or replaces a store_meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// LevelCount returns the number of tiers the store was last written with.
func (db *DB) LevelCount(ctx context.Context) (int, error) {
	v, ok, err := db.GetMeta(ctx, MetaLevelCount)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(v)
}

// Dimension returns the embedding dimension fixed for this store, or 0 when
// no vector has been written yet.
func (db *DB) Dimension(ctx context.Context) (int, error) {
	v, ok, err := db.GetMeta(ctx, MetaDimension)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(v)
}

// ensureLevelRange records the current tier count. Stores written with fewer
// tiers keep their rows as-is: levels 1-3 mean the same thing in both ranges.
func (db *DB) ensureLevelRange(ctx context.Context) error {
	have, err := db.LevelCount(ctx)
	if err != nil {
		return err
	}
	want := int(scoring.MaxLevel)
	if have == want {
		return nil
	}
	if have != 0 {
		db.log.Info("widening level range", zap.Int("from", have), zap.Int("to", want))
	}
	return db.SetMeta(ctx, MetaLevelCount, strconv.Itoa(want))
}
