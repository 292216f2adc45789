package sync

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/schmelczer/reconcile/internal/db"
)

// SnapshotDocument is one persisted resolved record.
type SnapshotDocument struct {
	DocumentID         string `db:"document_id"`
	RelativePath       string `db:"relative_path"`
	ParentVersionID    int64  `db:"parent_version_id"`
	ContentHash        string `db:"content_hash"`
	RemoteRelativePath string `db:"remote_relative_path"`
}

// Snapshot is the durable projection of the metadata store: resolved
// acknowledged records, the last-seen watermark and the first-run
// flag. Pending records and handles are never persisted.
type Snapshot struct {
	Documents               []SnapshotDocument
	LastSeenUpdateID        int64
	HasInitialSyncCompleted bool
}

// Persistence stores and recalls snapshots. Load returns nil when no
// snapshot has ever been saved.
type Persistence interface {
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

const persistSchema = `
CREATE TABLE IF NOT EXISTS documents (
    document_id          TEXT PRIMARY KEY,
    relative_path        TEXT NOT NULL,
    parent_version_id    INTEGER NOT NULL,
    content_hash         TEXT NOT NULL,
    remote_relative_path TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_seen_update_id INTEGER NOT NULL,
    has_initial_sync_completed INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(relative_path);
`

// SqlitePersistence keeps the snapshot in an SQLite database next to
// the vault's internal data.
type SqlitePersistence struct {
	db *sqlx.DB
}

// NewSqlitePersistence opens (or creates) the snapshot database. Use
// ":memory:" in tests.
func NewSqlitePersistence(path string) (*SqlitePersistence, error) {
	database, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := database.Exec(persistSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}
	return &SqlitePersistence{db: database}, nil
}

func (p *SqlitePersistence) Load() (*Snapshot, error) {
	var state struct {
		LastSeenUpdateID        int64 `db:"last_seen_update_id"`
		HasInitialSyncCompleted bool  `db:"has_initial_sync_completed"`
	}
	err := p.db.Get(&state, "SELECT last_seen_update_id, has_initial_sync_completed FROM sync_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}

	var docs []SnapshotDocument
	if err := p.db.Select(&docs, "SELECT document_id, relative_path, parent_version_id, content_hash, remote_relative_path FROM documents ORDER BY relative_path"); err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	return &Snapshot{
		Documents:               docs,
		LastSeenUpdateID:        state.LastSeenUpdateID,
		HasInitialSyncCompleted: state.HasInitialSyncCompleted,
	}, nil
}

func (p *SqlitePersistence) Save(snap *Snapshot) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM documents"); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	for _, doc := range snap.Documents {
		_, err := tx.NamedExec(`INSERT INTO documents
			(document_id, relative_path, parent_version_id, content_hash, remote_relative_path)
			VALUES (:document_id, :relative_path, :parent_version_id, :content_hash, :remote_relative_path)`, doc)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", doc.RelativePath, err)
		}
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO sync_state (id, last_seen_update_id, has_initial_sync_completed)
		VALUES (1, ?, ?)`, snap.LastSeenUpdateID, snap.HasInitialSyncCompleted)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}

	return tx.Commit()
}

func (p *SqlitePersistence) Close() error {
	return p.db.Close()
}
