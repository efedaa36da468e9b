package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension recorded for the store.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// VectorRecord holds an embedding for a node.
type VectorRecord struct {
	NodeID     string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a node. The first vector
// written fixes the store's dimension; later vectors must match it.
func (db *DB) SaveVector(ctx context.Context, nodeID string, embedding []float64, model string) error {
	if len(embedding) == 0 {
		return fmt.Errorf("save vector %s: empty embedding", nodeID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save vector: %w", err)
	}
	defer tx.Rollback()

	var dimStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = ?", MetaDimension).Scan(&dimStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO store_meta (key, value) VALUES (?, ?)",
			MetaDimension, strconv.Itoa(len(embedding)),
		); err != nil {
			return fmt.Errorf("record dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read dimension: %w", err)
	default:
		dim, _ := strconv.Atoi(dimStr)
		if dim != len(embedding) {
			return fmt.Errorf("save vector %s: got %d, store has %d: %w",
				nodeID, len(embedding), dim, ErrDimensionMismatch)
		}
	}

	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vectors (node_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, nodeID, blob, model, len(embedding), now); err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return tx.Commit()
}

// GetVector returns the embedding for a node, or nil if it has none.
func (db *DB) GetVector(ctx context.Context, nodeID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRowContext(ctx, `
		SELECT node_id, embedding, model, dimensions, created_at
		FROM vectors WHERE node_id = ?
	`, nodeID).Scan(&v.NodeID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// AllVectors returns every stored vector in node insertion order.
func (db *DB) AllVectors(ctx context.Context) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT v.node_id, v.embedding, v.model, v.dimensions, v.created_at
		FROM vectors v JOIN nodes n ON n.id = v.node_id
		ORDER BY n.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.NodeID, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// DeleteVector removes the embedding for a node.
func (db *DB) DeleteVector(ctx context.Context, nodeID string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM vectors WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// CountVectors returns the number of stored embeddings.
func (db *DB) CountVectors(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}
