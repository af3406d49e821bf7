/*
 * Copyright 2025 GrowBridge Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/growbridge/growbridge/pkg/models"

	_ "modernc.org/sqlite"
)

// Store is the crash-recovery staging area for buffered telemetry. It is
// exclusively owned by the Queue; rows live only between a checkpoint and
// the next startup reload.
type Store struct {
	db *sql.DB
}

// OpenStore initializes the checkpoint database, creating directories as
// needed.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		data TEXT NOT NULL
	);`

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}

	return nil
}

// Append persists a set of data points in a single transaction. Either all
// items are written or none.
func (s *Store) Append(ctx context.Context, items []models.DataPoint) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode data point: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue (timestamp, data) VALUES (?, ?);`,
			item.Timestamp(), string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert data point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}

	return nil
}

// LoadAndClear returns all stored data points in insertion timestamp order
// and deletes them, all in one transaction.
func (s *Store) LoadAndClear(ctx context.Context) ([]models.DataPoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reload: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT data FROM queue ORDER BY timestamp ASC, id ASC;`)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("query queue rows: %w", err)
	}

	var items []models.DataPoint

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			_ = tx.Rollback()

			return nil, fmt.Errorf("scan queue row: %w", err)
		}

		var item models.DataPoint
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// A corrupt row is skipped, not fatal to recovery.
			continue
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		_ = tx.Rollback()

		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}

	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue;`); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("clear queue rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reload: %w", err)
	}

	return items, nil
}

// Count returns the number of checkpointed rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue rows: %w", err)
	}

	return n, nil
}
