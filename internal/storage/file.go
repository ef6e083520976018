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
	"time"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Entries are appended to <prefix>.runs.jsonl. When MaxRuns is set the
// in-memory history is bounded per module/job type and the journal is
// periodically rewritten with only the retained entries.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	journalPath string
	journal     *os.File

	maxRuns int
	runs    map[runKey][]RunEntry // oldest first

	writes       int
	compactEvery int
}

type runKey struct {
	module  string
	jobType string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		journalPath:  prefix + ".runs.jsonl",
		maxRuns:      cfg.MaxRuns,
		runs:         map[runKey][]RunEntry{},
		compactEvery: 500,
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, e RunEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.keepLocked(e)

	s.writes++
	if s.maxRuns > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, module, jobType string, limit int) ([]RunEntry, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.runs[runKey{module: module, jobType: jobType}]
	out := make([]RunEntry, 0, min(limit, len(hist)))
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, hist[i])
	}
	return out, nil
}

func (s *fileStore) keepLocked(e RunEntry) {
	k := runKey{module: e.Module, jobType: e.JobType}
	hist := append(s.runs[k], e)
	if s.maxRuns > 0 && len(hist) > s.maxRuns {
		hist = append([]RunEntry(nil), hist[len(hist)-s.maxRuns:]...)
	}
	s.runs[k] = hist
}

// compactLocked rewrites the journal with the retained history, ordered by time.
func (s *fileStore) compactLocked() error {
	all := make([]RunEntry, 0, len(s.runs)*max(s.maxRuns, 1))
	for _, hist := range s.runs {
		all = append(all, hist...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].At.Before(all[j].At) })

	tmp := s.journalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range all {
		if err := enc.Encode(e); err != nil {
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

	if err := s.journal.Close(); err != nil {
		return err
	}
	s.journal = nil
	if err := os.Rename(tmp, s.journalPath); err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.journal = jf
	return nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e RunEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Module == "" || e.JobType == "" {
			continue
		}
		s.keepLocked(e)
	}
	return sc.Err()
}
