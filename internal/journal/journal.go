/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package journal records the outcome of every mutating operation in a
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-events"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dmcgowan/vpcbox/internal/orchestrator"
	"github.com/dmcgowan/vpcbox/internal/sliceutil"
)

//go:embed schema.sql
var schema string

const writeTimeout = 5 * time.Second

// Entry is one recorded operation.
type Entry struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Failures   []string  `json:"failures,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal is an events.Sink storing orchestrator outcomes.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

var _ events.Sink = (*Journal)(nil)

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to journal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// dsn returns a sqlite URI for path with the path escaped, so characters
// such as '?' and '#' in the state directory stay part of the file name.
func dsn(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(path),
		RawQuery: "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	}
	return u.String()
}

// Write records an *orchestrator.Outcome. Other events are ignored.
func (j *Journal) Write(ev events.Event) error {
	out, ok := ev.(*orchestrator.Outcome)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return j.Record(ctx, FromOutcome(out))
}

// Record stores e, assigning an ID if it has none.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return events.ErrSinkClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	failures, err := json.Marshal(e.Failures)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO operations(id, operation, target, status, error, failures, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.Target, e.Status, e.Error, string(failures),
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording operation %s: %w", e.ID, err)
	}
	return nil
}

// List returns up to limit entries, most recent first. A limit of zero or
// less returns every entry.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, operation, target, status, error, failures, started_at, finished_at
		 FROM operations ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			failures          string
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.Target, &e.Status, &e.Error, &failures, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		if err := json.Unmarshal([]byte(failures), &e.Failures); err != nil {
			return nil, fmt.Errorf("decoding failures of %s: %w", e.ID, err)
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// FromOutcome converts an outcome into a journal entry.
func FromOutcome(out *orchestrator.Outcome) Entry {
	e := Entry{
		ID:         out.ID,
		Operation:  out.Operation,
		Target:     out.Target,
		Status:     string(out.Status),
		Failures:   sliceutil.Map(out.Failures, orchestrator.StepFailure.String),
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	return e
}
