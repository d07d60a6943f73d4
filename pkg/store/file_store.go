package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/nexus/pkg/ledger"
)

// FileStore mirrors the ledger to a local JSON-lines file, one entry per line.
type FileStore struct {
	path string
	mu   sync.Mutex
	f    *os.File
	sync func(*os.File) error
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	//nolint:gosec // G304: path comes from operator configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	return &FileStore{path: path, f: f, sync: (*os.File).Sync}, nil
}

// Persist implements ledger.Sink. The line is synced before returning; on any
// failure the file is truncated back so an uncommitted entry never lingers.
func (s *FileStore) Persist(_ context.Context, e ledger.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	info, err := s.f.Stat()
	if err != nil {
		return err
	}
	offset := info.Size()

	if _, err := s.f.Write(line); err != nil {
		return s.rollback(offset, err)
	}
	if err := s.sync(s.f); err != nil {
		return s.rollback(offset, err)
	}
	return nil
}

func (s *FileStore) rollback(offset int64, cause error) error {
	if err := s.f.Truncate(offset); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to truncate ledger file: %w", err))
	}
	return cause
}

func (s *FileStore) Load(_ context.Context) ([]ledger.Entry, error) {
	//nolint:gosec // G304: path comes from operator configuration
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ledger.Entry{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	entries := make([]ledger.Entry, 0)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrCorrupt, s.path, line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
