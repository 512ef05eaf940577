// Package checkpoint persists job progress as one JSON document per job.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"barvault/internal/domain"
	"barvault/internal/store"
)

// Compile-time interface check.
var _ store.CheckpointStore = (*FileStore)(nil)

// FileStore keeps checkpoints under Dir as <job_id>.json. Every save writes
// a temp file in the same directory, fsyncs it and renames it over the old
// checkpoint, so a crash leaves either the previous or the new state.
type FileStore struct {
	Dir string
	mu  sync.Mutex
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// LoadJob reads the checkpoint of id, or returns a fresh pending job.
func (s *FileStore) LoadJob(_ context.Context, id string) (*domain.Job, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewJob(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}

	job := domain.NewJob(id)
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", id, err)
	}
	if job.ProcessedUnits == nil {
		job.ProcessedUnits = make(domain.UnitSet)
	}
	return job, nil
}

// SaveJob atomically replaces the checkpoint of job.
func (s *FileStore) SaveJob(_ context.Context, job *domain.Job) error {
	path, err := s.path(job.ID)
	if err != nil {
		return err
	}

	snapshot := *job
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now()
	}
	// Map keys are marshalled sorted, which keeps diffs of the file stable.
	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.Dir, "."+job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing checkpoint %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing checkpoint %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing checkpoint %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming checkpoint %s: %w", job.ID, err)
	}
	return nil
}

// ClearJob removes the checkpoint of id. A missing file is not an error.
func (s *FileStore) ClearJob(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint %s: %w", id, err)
	}
	return nil
}

// ListJobs reads every checkpoint of mode, newest first.
func (s *FileStore) ListJobs(ctx context.Context, mode domain.JobMode) ([]*domain.Job, error) {
	paths, err := filepath.Glob(filepath.Join(s.Dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var out []*domain.Job
	for _, path := range paths {
		job, err := s.LoadJob(ctx, strings.TrimSuffix(filepath.Base(path), ".json"))
		if err != nil {
			return nil, err
		}
		if job.Mode != mode {
			continue
		}
		job.ProcessedUnits = make(domain.UnitSet)
		job.Starts = nil
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	return filepath.Join(s.Dir, id+".json"), nil
}
