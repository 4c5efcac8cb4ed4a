package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

var ErrDiagramNotFound = errors.New("diagram not found")

type storeMigration struct {
	version int
	upSql   string
}

var storeMigrations = []storeMigration{
	{
		version: 1,
		upSql: `
CREATE TABLE IF NOT EXISTS diagrams (
	threat_model_id TEXT NOT NULL,
	diagram_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	cells TEXT NOT NULL,
	update_vector INTEGER NOT NULL,
	edit_index INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (threat_model_id, diagram_id)
);
`,
	},
}

// SqlitePersistence stores diagrams in a local sqlite file.
// Every save increments the update vector of the diagram.
type SqlitePersistence struct {
	db *sql.DB
}

func OpenSqlitePersistence(ctx context.Context, path string) (*SqlitePersistence, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyStoreMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SqlitePersistence{db: db}, nil
}

func applyStoreMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range storeMigrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (self *SqlitePersistence) Close() error {
	if self == nil || self.db == nil {
		return nil
	}
	return self.db.Close()
}

func (self *SqlitePersistence) Save(ctx context.Context, operation *SaveOperation) (*SaveResult, error) {
	if operation.Document == nil {
		return nil, errors.New("save without document")
	}
	cells, err := json.Marshal(operation.Document.Cells)
	if err != nil {
		return nil, fmt.Errorf("encode cells: %w", err)
	}

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var updateVector int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT update_vector FROM diagrams WHERE threat_model_id = ? AND diagram_id = ?`,
		operation.ThreatModelId,
		operation.DiagramId,
	).Scan(&updateVector)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read update vector: %w", err)
	}
	if operation.ServerVersion < updateVector {
		// last writer wins
		glog.Infof("[s]save %s based on version %d over version %d\n", operation.DiagramId, operation.ServerVersion, updateVector)
	}
	updateVector += 1

	_, err = tx.ExecContext(ctx, `
INSERT INTO diagrams(threat_model_id, diagram_id, name, cells, update_vector, edit_index, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(threat_model_id, diagram_id) DO UPDATE SET
	name=excluded.name,
	cells=excluded.cells,
	update_vector=excluded.update_vector,
	edit_index=excluded.edit_index,
	updated_at=excluded.updated_at
`,
		operation.ThreatModelId,
		operation.DiagramId,
		operation.Document.Name,
		string(cells),
		updateVector,
		operation.EditIndex,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert diagram: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}

	return &SaveResult{
		Success:      true,
		UpdateVector: &updateVector,
	}, nil
}

func (self *SqlitePersistence) Load(ctx context.Context, threatModelId string, diagramId string) (*DiagramDocument, error) {
	var name string
	var cells string
	var updateVector int64
	err := self.db.QueryRowContext(
		ctx,
		`SELECT name, cells, update_vector FROM diagrams WHERE threat_model_id = ? AND diagram_id = ?`,
		threatModelId,
		diagramId,
	).Scan(&name, &cells, &updateVector)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", threatModelId, diagramId, ErrDiagramNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load diagram: %w", err)
	}

	document := &DiagramDocument{
		DiagramId:    diagramId,
		Name:         name,
		UpdateVector: updateVector,
	}
	if err := json.Unmarshal([]byte(cells), &document.Cells); err != nil {
		return nil, fmt.Errorf("decode cells: %w", err)
	}
	return document, nil
}
