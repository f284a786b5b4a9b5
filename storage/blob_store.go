package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"storystudio/logging"
	"storystudio/utils"
)

var ErrBlobNotFound = errors.New("blob not found")

// Blob is a finished export file addressable by URL
type Blob struct {
	ID        string
	JobID     string
	Path      string
	MIMEType  string
	Filename  string
	Size      int64
	CreatedAt time.Time
}

// BlobStore keeps export outputs on disk under <tempDir>/exports/<job> and
// hands out revocable URLs for them
type BlobStore struct {
	baseDir   string
	retention time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	blobs    map[string]*Blob
	cleanups map[string]*time.Timer
}

// NewBlobStore creates a store. A zero retention keeps files until revoked.
func NewBlobStore(tempDir string, retention time.Duration, logger *slog.Logger) *BlobStore {
	return &BlobStore{
		baseDir:   filepath.Join(tempDir, "exports"),
		retention: retention,
		logger:    logging.WithComponent(logger, "blob_store"),
		blobs:     make(map[string]*Blob),
		cleanups:  make(map[string]*time.Timer),
	}
}

func (s *BlobStore) jobDir(jobID string) string {
	return filepath.Join(s.baseDir, jobID)
}

// Put writes data for a job and mints a blob for it
func (s *BlobStore) Put(jobID string, data []byte, mimeType, filename string) (*Blob, error) {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	blob := &Blob{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Path:      path,
		MIMEType:  mimeType,
		Filename:  filepath.Base(filename),
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.blobs[blob.ID] = blob
	if s.retention > 0 {
		if _, scheduled := s.cleanups[jobID]; !scheduled {
			s.cleanups[jobID] = time.AfterFunc(s.retention, func() { s.expire(jobID) })
		}
	}
	s.mu.Unlock()

	s.logger.Info("blob stored", "blob_id", blob.ID, "job_id", jobID, "size_bytes", blob.Size)
	return blob, nil
}

// WriteSidecar stores an auxiliary file next to a job's blobs and returns its path
func (s *BlobStore) WriteSidecar(jobID, name string, data []byte) (string, error) {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}
	return path, nil
}

// Get returns a live blob
func (s *BlobStore) Get(id string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	copied := *blob
	return &copied, nil
}

// URL is the path a blob is served from
func (s *BlobStore) URL(id string) string {
	return "/api/blobs/" + id
}

// Revoke invalidates a blob URL and removes its file
func (s *BlobStore) Revoke(id string) error {
	s.mu.Lock()
	blob, ok := s.blobs[id]
	delete(s.blobs, id)
	s.mu.Unlock()
	if !ok {
		return ErrBlobNotFound
	}
	if err := os.Remove(blob.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// DeleteJob revokes every blob of a job and removes its directory
func (s *BlobStore) DeleteJob(jobID string) error {
	s.mu.Lock()
	for id, blob := range s.blobs {
		if blob.JobID == jobID {
			delete(s.blobs, id)
		}
	}
	if timer, ok := s.cleanups[jobID]; ok {
		timer.Stop()
		delete(s.cleanups, jobID)
	}
	s.mu.Unlock()
	return utils.CleanupJobFiles(s.baseDir, jobID)
}

func (s *BlobStore) expire(jobID string) {
	s.mu.Lock()
	delete(s.cleanups, jobID)
	s.mu.Unlock()
	if err := s.DeleteJob(jobID); err != nil {
		s.logger.Warn("failed to expire job blobs", "job_id", jobID, "error", err)
		return
	}
	s.logger.Info("job blobs expired", "job_id", jobID)
}
