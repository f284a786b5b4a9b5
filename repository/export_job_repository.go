package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"storystudio/models"
)

var ErrJobNotFound = errors.New("export job not found")

// ExportJobRepository persists export job status
type ExportJobRepository interface {
	Create(ctx context.Context, job *models.JobStatus) error
	Get(ctx context.Context, id string) (*models.JobStatus, error)
	Update(ctx context.Context, job *models.JobStatus) error
	List(ctx context.Context, limit int) ([]*models.JobStatus, error)
	Delete(ctx context.Context, id string) error
}

// MemoryExportJobRepository keeps jobs in a process-local map
type MemoryExportJobRepository struct {
	jobs    map[string]*models.JobStatus
	jobsMux sync.RWMutex
}

func NewMemoryExportJobRepository() *MemoryExportJobRepository {
	return &MemoryExportJobRepository{jobs: make(map[string]*models.JobStatus)}
}

func (r *MemoryExportJobRepository) Create(ctx context.Context, job *models.JobStatus) error {
	r.jobsMux.Lock()
	defer r.jobsMux.Unlock()
	if _, exists := r.jobs[job.JobID]; exists {
		return errors.New("export job already exists")
	}
	r.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (r *MemoryExportJobRepository) Get(ctx context.Context, id string) (*models.JobStatus, error) {
	r.jobsMux.RLock()
	defer r.jobsMux.RUnlock()
	job, exists := r.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryExportJobRepository) Update(ctx context.Context, job *models.JobStatus) error {
	r.jobsMux.Lock()
	defer r.jobsMux.Unlock()
	if _, exists := r.jobs[job.JobID]; !exists {
		return ErrJobNotFound
	}
	r.jobs[job.JobID] = cloneJob(job)
	return nil
}

// List returns jobs newest first. A limit of zero or less returns all of them.
func (r *MemoryExportJobRepository) List(ctx context.Context, limit int) ([]*models.JobStatus, error) {
	r.jobsMux.RLock()
	jobs := make([]*models.JobStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	r.jobsMux.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryExportJobRepository) Delete(ctx context.Context, id string) error {
	r.jobsMux.Lock()
	defer r.jobsMux.Unlock()
	if _, exists := r.jobs[id]; !exists {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

func cloneJob(job *models.JobStatus) *models.JobStatus {
	copied := *job
	copied.Messages = append([]string(nil), job.Messages...)
	return &copied
}
