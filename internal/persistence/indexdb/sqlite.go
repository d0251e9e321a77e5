package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"portalskies.ai/internal/protocol"
	"portalskies.ai/internal/sim/routing"
	"portalskies.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of transit attempts. The JSONL
// transit log stays the source of truth; writes here may be dropped.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTransit atomic.Uint64
	written     atomic.Uint64
}

type reqKind int

const (
	reqTransit reqKind = iota + 1
	reqFlush
)

type req struct {
	kind reqKind

	transit protocol.TransitEvent
	done    chan struct{}
}

// Stats reports queue health.
type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropTransitTotal uint64 `json:"drop_transit_total"`
	WrittenTotal     uint64 `json:"written_total"`
}

// TransitRow is one indexed attempt.
type TransitRow struct {
	AttemptID  string
	Tick       uint64
	Time       string
	Body       int64
	From       string
	To         string
	Code       string
	Coverage   float64
	Exit       string
	Rotation   float64
	Bodies     int
	Entities   int
	Remounted  int
	Failures   int
	DurationMs int64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transits (
			attempt_id TEXT PRIMARY KEY,
			tick INTEGER NOT NULL,
			time TEXT NOT NULL,
			body INTEGER NOT NULL,
			from_partition TEXT NOT NULL,
			to_partition TEXT NOT NULL,
			code TEXT NOT NULL,
			coverage REAL NOT NULL,
			exit TEXT NOT NULL,
			rotation REAL NOT NULL,
			bodies INTEGER NOT NULL,
			entities INTEGER NOT NULL,
			remounted INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transits_tick ON transits(tick);`,
		`CREATE INDEX IF NOT EXISTS idx_transits_code_tick ON transits(code, tick);`,
		`CREATE TABLE IF NOT EXISTS transit_bodies (
			attempt_id TEXT NOT NULL REFERENCES transits(attempt_id) ON DELETE CASCADE,
			body INTEGER NOT NULL,
			PRIMARY KEY (attempt_id, body)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transit_bodies_body ON transit_bodies(body);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Transit enqueues ev. Attempts without an ID are not indexed.
func (s *SQLiteIndex) Transit(ev protocol.TransitEvent) {
	if s == nil || s.closed.Load() || ev.AttemptID == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqTransit, transit: ev}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropTransit.Add(1)
	}
}

// Flush waits until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropTransitTotal: s.dropTransit.Load(),
		WrittenTotal:     s.written.Load(),
	}
}

// UpsertConfig stores the tuning and routing actually applied (canonical JSON).
func (s *SQLiteIndex) UpsertConfig(tune tuning.Tuning, routes routing.Config) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name string
		json []byte
	}
	var rows []kv
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, kv{name: "tuning", json: b})
	}
	if b, err := json.Marshal(routes); err == nil {
		rows = append(rows, kv{name: "routes", json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('protocol_version',?)`, protocol.Version); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		sum := sha256.Sum256(r.json)
		if _, err := stmt.Exec(r.name, hex.EncodeToString(sum[:]), string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConfigDigest returns the stored digest for a config row ("tuning" or "routes").
func (s *SQLiteIndex) ConfigDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM configs WHERE name=?`, name).Scan(&d)
	return d, err
}

const transitCols = `attempt_id,tick,time,body,from_partition,to_partition,code,coverage,exit,rotation,bodies,entities,remounted,failures,duration_ms`

// RecentTransits returns up to limit attempts, newest first. An empty code
// matches all outcomes.
func (s *SQLiteIndex) RecentTransits(ctx context.Context, code string, limit int) ([]TransitRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + transitCols + ` FROM transits`
	args := []any{}
	if code = strings.TrimSpace(code); code != "" {
		q += ` WHERE code=?`
		args = append(args, code)
	}
	q += ` ORDER BY tick DESC, attempt_id DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTransits(ctx, q, args...)
}

// TransitsForBody returns every attempt that moved or was triggered by body.
func (s *SQLiteIndex) TransitsForBody(ctx context.Context, body int64) ([]TransitRow, error) {
	q := `SELECT ` + transitCols + ` FROM transits
		WHERE body=? OR attempt_id IN (SELECT attempt_id FROM transit_bodies WHERE body=?)
		ORDER BY tick ASC, attempt_id ASC`
	return s.queryTransits(ctx, q, body, body)
}

func (s *SQLiteIndex) queryTransits(ctx context.Context, q string, args ...any) ([]TransitRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitRow
	for rows.Next() {
		var r TransitRow
		var tick int64
		if err := rows.Scan(&r.AttemptID, &tick, &r.Time, &r.Body, &r.From, &r.To, &r.Code,
			&r.Coverage, &r.Exit, &r.Rotation, &r.Bodies, &r.Entities, &r.Remounted, &r.Failures, &r.DurationMs); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertTransit, _ := s.db.Prepare(`INSERT OR REPLACE INTO transits(` + transitCols + `,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertBody, _ := s.db.Prepare(`INSERT OR REPLACE INTO transit_bodies(attempt_id,body) VALUES(?,?)`)
	defer func() {
		if insertTransit != nil {
			_ = insertTransit.Close()
		}
		if insertBody != nil {
			_ = insertBody.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil || insertTransit == nil {
			continue
		}
		ev := r.transit
		raw, _ := json.Marshal(ev)
		if _, err := tx.Stmt(insertTransit).Exec(
			ev.AttemptID,
			int64(ev.Tick),
			ev.Time,
			ev.Body,
			ev.From,
			ev.To,
			ev.Code,
			ev.Coverage,
			ev.Exit,
			ev.RotationDeg,
			len(ev.Bodies),
			ev.Entities,
			ev.Remounted,
			len(ev.Failures),
			ev.DurationMs,
			string(raw),
		); err != nil {
			rollback()
			continue
		}
		opCount++
		for _, b := range ev.Bodies {
			if insertBody == nil {
				break
			}
			if _, err := tx.Stmt(insertBody).Exec(ev.AttemptID, b); err != nil {
				rollback()
				break
			}
			opCount++
		}
		s.written.Add(1)
		flushIfNeeded()
	}

	commit()
}
