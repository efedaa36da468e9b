package store

import (
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Level is deliberately unconstrained in SQL. Stores written when only three
// tiers existed hold levels 1-3; the Go layer clamps into the current range.
var migrations = []migration{
	{
		Version:     1,
		Description: "nodes: knowledge nodes with relevance tier",
		SQL: `
CREATE TABLE nodes (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    node_type       TEXT NOT NULL,
    content         TEXT NOT NULL,
    summary         TEXT,
    level           INTEGER NOT NULL DEFAULT 1,
    relevance_score REAL NOT NULL DEFAULT 1.0,
    metadata        TEXT,
    access_count    INTEGER NOT NULL DEFAULT 0,
    last_access     INTEGER,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX idx_nodes_level     ON nodes(level);
CREATE INDEX idx_nodes_type      ON nodes(node_type);
CREATE INDEX idx_nodes_relevance ON nodes(relevance_score DESC);
`,
	},
	{
		Version:     2,
		Description: "edges: append-only directed relations",
		SQL: `
CREATE TABLE edges (
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    rel        TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (from_id, to_id, rel),
    FOREIGN KEY (from_id) REFERENCES nodes(id) ON DELETE CASCADE,
    FOREIGN KEY (to_id)   REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX idx_edges_to ON edges(to_id);
`,
	},
	{
		Version:     3,
		Description: "vectors: node embeddings",
		SQL: `
CREATE TABLE vectors (
    node_id    TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     4,
		Description: "store_meta, content hashes, keyword index",
		SQL: `
CREATE TABLE store_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

ALTER TABLE nodes ADD COLUMN content_hash TEXT;
CREATE INDEX idx_nodes_content_hash ON nodes(content_hash);

CREATE VIRTUAL TABLE nodes_fts USING fts5(
    content,
    content='nodes',
    content_rowid='seq'
);

CREATE TRIGGER nodes_fts_ai AFTER INSERT ON nodes BEGIN
    INSERT INTO nodes_fts(rowid, content) VALUES (new.seq, new.content);
END;

CREATE TRIGGER nodes_fts_ad AFTER DELETE ON nodes BEGIN
    INSERT INTO nodes_fts(nodes_fts, rowid, content) VALUES ('delete', old.seq, old.content);
END;

CREATE TRIGGER nodes_fts_au AFTER UPDATE OF content ON nodes BEGIN
    INSERT INTO nodes_fts(nodes_fts, rowid, content) VALUES ('delete', old.seq, old.content);
    INSERT INTO nodes_fts(rowid, content) VALUES (new.seq, new.content);
END;

INSERT INTO nodes_fts(rowid, content) SELECT seq, content FROM nodes;
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		db.log.Debug("applied migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
	}

	return nil
}

// LatestSchemaVersion is the version a freshly migrated store reaches.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
