package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    batch_id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    total_rows INTEGER NOT NULL,
    predicted INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id TEXT,
    source TEXT NOT NULL,
    features TEXT NOT NULL,
    price REAL NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_batch ON predictions(batch_id);
`

// Prediction sources.
const (
	SourceManual = "manual"
	SourceBatch  = "batch"
)

// Prediction is one stored price estimate.
type Prediction struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Source    string    `json:"source"`
	Features  []float64 `json:"features"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchRecord summarises one uploaded file.
type BatchRecord struct {
	BatchID   string    `json:"batch_id"`
	Filename  string    `json:"filename"`
	TotalRows int       `json:"total_rows"`
	Predicted int       `json:"predicted"`
	Skipped   int       `json:"skipped"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a batch id is unknown.
var ErrNotFound = errors.New("not found")

// Store keeps prediction history in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty in-memory db
		database.SetMaxOpenConns(1)
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePrediction stores a single prediction and returns its id.
func (s *Store) SavePrediction(ctx context.Context, p Prediction) (int64, error) {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return 0, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO predictions (batch_id, source, features, price, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		nullString(p.BatchID), p.Source, string(features), p.Price, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SaveBatch stores the batch summary and all of its predictions in one
// transaction.
func (s *Store) SaveBatch(ctx context.Context, batch BatchRecord, predictions []Prediction) error {
	if batch.BatchID == "" {
		return errors.New("batch id required")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO batches (batch_id, filename, total_rows, predicted, skipped, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		batch.BatchID, batch.Filename, batch.TotalRows, batch.Predicted, batch.Skipped, batch.CreatedAt); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO predictions (batch_id, source, features, price, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range predictions {
		features, err := json.Marshal(p.Features)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, batch.BatchID, SourceBatch, string(features), p.Price, batch.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentPredictions returns the newest predictions first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, batch_id, source, features, price, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	predictions := make([]Prediction, 0)
	for rows.Next() {
		var p Prediction
		var batchID sql.NullString
		var features string
		if err := rows.Scan(&p.ID, &batchID, &p.Source, &features, &p.Price, &p.CreatedAt); err != nil {
			return nil, err
		}
		if batchID.Valid {
			p.BatchID = batchID.String
		}
		if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
			return nil, fmt.Errorf("prediction %d: %w", p.ID, err)
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// GetBatch loads a batch summary.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	var b BatchRecord
	err := s.db.QueryRowContext(ctx, `
        SELECT batch_id, filename, total_rows, predicted, skipped, created_at
        FROM batches
        WHERE batch_id = ?`, batchID).
		Scan(&b.BatchID, &b.Filename, &b.TotalRows, &b.Predicted, &b.Skipped, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
