package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "coalesce/pkg/logx"
)

// fileStore is a dependency-free journal backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//
// The file is replayed into memory on open. With Retain set, it is
// periodically compacted down to the retained runs.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu     sync.Mutex
	f      *os.File
	byJob  map[string][]Run // oldest first
	writes int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	byJob := map[string][]Run{}
	if err := replayRuns(runsPath, byJob, cfg.Retain); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay incomplete", logx.String("path", runsPath), logx.Err(err))
	}

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: runsPath, retain: cfg.Retain, f: f, byJob: byJob}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r Run) error {
	_ = ctx
	if !r.normalize() {
		return errors.New("run has no job name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.byJob[r.Job] = trimRuns(append(s.byJob[r.Job], r), s.retain)

	s.writes++
	if s.retain > 0 && s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, job string, limit int) ([]Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.byJob[strings.TrimSpace(job)]
	n := len(runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, 0, n)
	for i := len(runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, runs[i])
	}
	return out, nil
}

// compactLocked rewrites the file with the retained runs only.
func (s *fileStore) compactLocked() error {
	all := make([]Run, 0, len(s.byJob)*s.retain)
	for _, runs := range s.byJob {
		all = append(all, runs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Started.Before(all[j].Started) })

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Reopen: the old descriptor points at the replaced file.
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}

func replayRuns(path string, out map[string][]Run, retain int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Job == "" {
			continue
		}
		out[r.Job] = trimRuns(append(out[r.Job], r), retain)
	}
	return sc.Err()
}

func trimRuns(runs []Run, retain int) []Run {
	if retain > 0 && len(runs) > retain {
		// copy so the dropped prefix can be collected
		runs = append([]Run(nil), runs[len(runs)-retain:]...)
	}
	return runs
}
