package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/spiral/internal/scoring"
)

// ErrNotFound is returned when a node id does not exist.
var ErrNotFound = errors.New("node not found")

// Node is one unit of memory.
type Node struct {
	Seq            int64          `json:"seq"`
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Summary        string         `json:"summary,omitempty"`
	Level          scoring.Level  `json:"level"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	AccessCount    int            `json:"access_count"`
	LastAccess     *int64         `json:"last_access,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// NewNode returns a node with the birth defaults: level 1, relevance 1.0.
func NewNode(nodeType, content string, metadata map[string]any) *Node {
	return &Node{
		Type:           nodeType,
		Content:        content,
		Metadata:       metadata,
		Level:          scoring.LevelFocus,
		RelevanceScore: 1.0,
	}
}

// Tags returns metadata["tags"] as strings. Non-string entries are skipped.
func (n *Node) Tags() []string {
	switch v := n.Metadata["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// LastActivity is the most recent of creation and last access.
func (n *Node) LastActivity() time.Time {
	ref := n.CreatedAt
	if n.LastAccess != nil && *n.LastAccess > ref {
		ref = *n.LastAccess
	}
	return time.UnixMilli(ref)
}

// Text is what a reader sees at the node's tier: full content in the two
// freshest tiers, the summary below that.
func (n *Node) Text() string {
	if n.Level >= scoring.LevelReference && n.Summary != "" {
		return n.Summary
	}
	return n.Content
}

// HashContent returns the hex sha256 of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

const nodeColumns = `n.seq, n.id, n.node_type, n.content, n.summary, n.level, n.relevance_score,
	n.metadata, n.content_hash, n.access_count, n.last_access, n.created_at, n.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner, extra ...any) (*Node, error) {
	var n Node
	var level int
	var summary, metadata, hash sql.NullString
	var lastAccess sql.NullInt64

	dest := []any{&n.Seq, &n.ID, &n.Type, &n.Content, &summary, &level, &n.RelevanceScore,
		&metadata, &hash, &n.AccessCount, &lastAccess, &n.CreatedAt, &n.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	n.Summary = summary.String
	n.ContentHash = hash.String
	n.Level = scoring.ClampLevel(level)
	n.RelevanceScore = scoring.ClampScore(n.RelevanceScore)
	if lastAccess.Valid {
		n.LastAccess = &lastAccess.Int64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateNode inserts a node. Level and score are clamped, an unknown type is
// stored as a note, and the id, hash and timestamps are assigned here.
func (db *DB) CreateNode(ctx context.Context, node *Node) error {
	now := time.Now()
	nodeType, _ := NormalizeType(node.Type)
	level := scoring.ClampLevel(int(node.Level))
	score := scoring.ClampScore(node.RelevanceScore)

	meta, err := encodeMetadata(node.Metadata)
	if err != nil {
		return err
	}

	id := db.newID(now)
	hash := HashContent(node.Content)
	ms := now.UnixMilli()

	result, err := db.ExecContext(ctx, `
		INSERT INTO nodes (id, node_type, content, summary, level, relevance_score, metadata,
			content_hash, access_count, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, 0, ?, ?)
	`, id, nodeType, node.Content, node.Summary, int(level), score, meta, hash, ms, ms)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	seq, _ := result.LastInsertId()
	node.Seq = seq
	node.ID = id
	node.Type = nodeType
	node.Level = level
	node.RelevanceScore = score
	node.ContentHash = hash
	node.AccessCount = 0
	node.LastAccess = nil
	node.CreatedAt = ms
	node.UpdatedAt = ms
	return nil
}

// GetNode returns a node by id, or ErrNotFound.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	row := db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// GetNodes returns the nodes for the given ids in seq order. Missing ids are skipped.
func (db *DB) GetNodes(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes n
		WHERE n.id IN (`+placeholders(len(ids))+`)
		ORDER BY n.seq
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListFilter narrows ListNodes. Zero values mean no restriction.
type ListFilter struct {
	IDs    []string // nil means any id; empty means none
	Levels []scoring.Level
	Types  []string
	Tag    string
	Limit  int
}

// clampedLevel is the SQL form of scoring.ClampLevel.
const clampedLevel = "MIN(MAX(n.level, 1), 5)"

// clauses renders the filter as SQL conditions on the nodes table aliased n.
func (f ListFilter) clauses() ([]string, []any, error) {
	var where []string
	var args []any

	if f.IDs != nil {
		ids, err := json.Marshal(f.IDs)
		if err != nil {
			return nil, nil, fmt.Errorf("encode ids: %w", err)
		}
		where = append(where, "n.id IN (SELECT value FROM json_each(?))")
		args = append(args, string(ids))
	}
	if len(f.Levels) > 0 {
		where = append(where, clampedLevel+" IN ("+placeholders(len(f.Levels))+")")
		for _, l := range f.Levels {
			args = append(args, int(l))
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "n.node_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(n.metadata, '$.tags') WHERE value = ?)")
		args = append(args, f.Tag)
	}
	return where, args, nil
}

// ListNodes returns nodes matching the filter in insertion order.
func (db *DB) ListNodes(ctx context.Context, f ListFilter) ([]Node, error) {
	where, args, err := f.clauses()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	q := `SELECT ` + nodeColumns + ` FROM nodes n`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY n.seq"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func execOne(res sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

// UpdateRelevance records a score and counts as activity. Level is left for
// the next evolution pass to derive.
func (db *DB) UpdateRelevance(ctx context.Context, id string, score float64) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE nodes SET relevance_score = ?, last_access = ?, updated_at = ?
		WHERE id = ?
	`, scoring.ClampScore(score), now, now, id)
	return execOne(res, err, "update relevance", id)
}

// UpdateLevel sets a node's tier.
func (db *DB) UpdateLevel(ctx context.Context, id string, level scoring.Level) error {
	res, err := db.ExecContext(ctx, `
		UPDATE nodes SET level = ?, updated_at = ? WHERE id = ?
	`, int(scoring.ClampLevel(int(level))), time.Now().UnixMilli(), id)
	return execOne(res, err, "update level", id)
}

// Transition is the evolved state of one node.
type Transition struct {
	ID      string
	Level   scoring.Level
	Score   float64
	Summary string
}

// ApplyTransition writes level, score and summary as a single statement, so
// a crash leaves either the old row or the new one.
func (db *DB) ApplyTransition(ctx context.Context, t Transition) error {
	res, err := db.ExecContext(ctx, `
		UPDATE nodes SET level = ?, relevance_score = ?, summary = NULLIF(?, ''), updated_at = ?
		WHERE id = ?
	`, int(scoring.ClampLevel(int(t.Level))), scoring.ClampScore(t.Score), t.Summary,
		time.Now().UnixMilli(), t.ID)
	return execOne(res, err, "apply transition", t.ID)
}

// TouchNode bumps access_count and last_access.
func (db *DB) TouchNode(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE nodes SET last_access = ?, access_count = access_count + 1 WHERE id = ?
	`, time.Now().UnixMilli(), id)
	return execOne(res, err, "touch node", id)
}

// CountByLevel returns node counts for every tier, zeros included.
func (db *DB) CountByLevel(ctx context.Context) (map[scoring.Level]int, error) {
	counts := make(map[scoring.Level]int, len(scoring.Levels))
	for _, l := range scoring.Levels {
		counts[l] = 0
	}

	rows, err := db.QueryContext(ctx, `SELECT `+clampedLevel+`, COUNT(*) FROM nodes n GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("count by level: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("scan level count: %w", err)
		}
		counts[scoring.ClampLevel(level)] += count
	}
	return counts, rows.Err()
}

// CountNodes returns the total number of nodes.
func (db *DB) CountNodes(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// HasContentHash reports whether any node already holds content with this hash.
func (db *DB) HasContentHash(ctx context.Context, hash string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM nodes WHERE content_hash = ? LIMIT 1", hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has content hash: %w", err)
	}
	return true, nil
}

// DeleteNode removes a node with its vector and edges.
func (db *DB) DeleteNode(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if err := deleteNodeTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteNodeTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors WHERE node_id = ?", id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE from_id = ? OR to_id = ?", id, id); err != nil {
		return fmt.Errorf("delete edges %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	return execOne(res, err, "delete node", id)
}

// PruneLevel deletes every node in a tier except the newest retain, oldest
// first, and returns the deleted ids in deletion order.
func (db *DB) PruneLevel(ctx context.Context, level scoring.Level, retain int) ([]string, error) {
	if retain < 0 {
		retain = 0
	}

	rows, err := db.QueryContext(ctx, `
		SELECT n.id FROM nodes n WHERE `+clampedLevel+` = ?
		ORDER BY n.seq DESC LIMIT -1 OFFSET ?
	`, int(level), retain)
	if err != nil {
		return nil, fmt.Errorf("select prunable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan prunable: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Selected newest first; delete oldest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := deleteNodeTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}
	return ids, nil
}

// KeywordHit is a full-text match. Rank is bm25, lower is better.
type KeywordHit struct {
	Node Node
	Rank float64
}

// SearchKeyword runs a full-text match over node content, restricted to
// nodes matching f. Punctuation in the query is ignored; a query with no
// searchable words returns nothing. f.Limit defaults to 20.
func (db *DB) SearchKeyword(ctx context.Context, query string, f ListFilter) ([]KeywordHit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	where, args, err := f.clauses()
	if err != nil {
		return nil, fmt.Errorf("search keyword: %w", err)
	}
	where = append([]string{"nodes_fts MATCH ?"}, where...)
	args = append(append([]any{match}, args...), limit)

	rows, err := db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, bm25(nodes_fts)
		FROM nodes_fts JOIN nodes n ON n.seq = nodes_fts.rowid
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY bm25(nodes_fts), n.seq
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search keyword: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var rank float64
		n, err := scanNode(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		hits = append(hits, KeywordHit{Node: *n, Rank: rank})
	}
	return hits, rows.Err()
}

// ftsQuery quotes each word and ORs them, so user text can never be parsed
// as FTS5 syntax.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
