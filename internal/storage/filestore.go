package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mpz/devops/tools/aurora-migrate/internal/types"
)

// maxEventLine bounds one journaled event; larger lines are skipped as corrupt.
const maxEventLine = 1 << 20

// FileStore implements Store using the filesystem.
// Structure:
//
//	{dataDir}/
//	└── runs/
//	    └── {run-id}/
//	        ├── run.json       # latest run state, replaced atomically
//	        └── events.jsonl   # one event per line, append-only
type FileStore struct {
	dataDir string
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewFileStore creates a new file-based store and removes temp files left by
// interrupted writes.
func NewFileStore(dataDir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "runs"), 0755); err != nil {
		return nil, errors.Wrap(err, "create runs directory")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &FileStore{dataDir: dataDir, logger: logger}
	s.removeTempFiles()
	return s, nil
}

func (s *FileStore) runsDir() string {
	return filepath.Join(s.dataDir, "runs")
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.runsDir(), runID)
}

// SaveRun persists the current state of a run.
func (s *FileStore) SaveRun(ctx context.Context, run *types.Run) error {
	if err := run.Validate(); err != nil {
		return errors.Wrap(err, "invalid run")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.runDir(run.ID), 0755); err != nil {
		return errors.Wrap(err, "create run directory")
	}
	if err := replaceFile(filepath.Join(s.runDir(run.ID), "run.json"), data); err != nil {
		return errors.Wrapf(err, "save run %s", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *FileStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := readRun(filepath.Join(s.runDir(id), "run.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns all readable runs. Unreadable or invalid run files are logged and skipped.
func (s *FileStore) ListRuns(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read runs directory")
	}

	var runs []*types.Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.runsDir(), entry.Name(), "run.json")
		run, err := readRun(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("skipping unreadable run", slog.String("path", path), slog.String("error", err.Error()))
			}
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func readRun(path string) (*types.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read run file")
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrap(err, "decode run")
	}
	if err := run.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid run")
	}
	return &run, nil
}

// AppendEvent adds an event to a run's event log.
func (s *FileStore) AppendEvent(ctx context.Context, event types.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Wrap(err, "invalid event")
	}

	line, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.runDir(event.RunID), 0755); err != nil {
		return errors.Wrap(err, "create run directory")
	}
	f, err := os.OpenFile(filepath.Join(s.runDir(event.RunID), "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "open event log")
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return errors.Wrap(err, "append event")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync event log")
	}
	return errors.Wrap(f.Close(), "close event log")
}

// GetEvents retrieves all events for a run in append order.
// Lines that do not decode to a valid event, such as one torn by a crash, are logged and skipped.
func (s *FileStore) GetEvents(ctx context.Context, runID string) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.runDir(runID), "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open event log")
	}
	defer f.Close()

	var events []types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event types.Event
		err := json.Unmarshal(line, &event)
		if err == nil {
			err = event.Validate()
		}
		if err != nil {
			s.logger.Warn("skipping corrupted event",
				slog.String("path", path),
				slog.Int("line", lineNo),
				slog.String("error", err.Error()))
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, errors.Wrapf(err, "read event log of run %s", runID)
	}
	return events, nil
}

// replaceFile writes data to a temp file next to path, syncs it and renames it over path.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}

// removeTempFiles deletes temp files left behind by crashes during SaveRun.
func (s *FileStore) removeTempFiles() {
	_ = filepath.WalkDir(s.runsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			s.logger.Warn("removing orphaned temp file", slog.String("path", path))
			os.Remove(path)
		}
		return nil
	})
}
