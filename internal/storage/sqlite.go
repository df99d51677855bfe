//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "coalesce/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 200}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !r.normalize() {
		return errors.New("run has no job name")
	}
	ok := 0
	if r.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, worker, started, started_ns, lateness_ns, duration_ns, ok, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Job, r.Worker, r.Started.Format(time.RFC3339Nano), r.Started.UnixNano(),
		int64(r.Lateness), int64(r.Duration), ok, nullStr(r.Error),
	)
	if err == nil && s.retain > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, job string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, worker, started_ns, lateness_ns, duration_ns, ok, err
		 FROM runs WHERE job = ? ORDER BY started_ns DESC LIMIT ?`,
		strings.TrimSpace(job), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			startedNS, lat, d int64
			ok                int
			msg               sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Worker, &startedNS, &lat, &d, &ok, &msg); err != nil {
			return nil, err
		}
		r.Started = time.Unix(0, startedNS)
		r.Lateness = time.Duration(lat)
		r.Duration = time.Duration(d)
		r.OK = ok == 1
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest retain runs of every job.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (PARTITION BY job ORDER BY started_ns DESC) AS rn FROM runs
		   ) WHERE rn > ?
		 )`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
