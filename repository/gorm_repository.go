package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"storystudio/models"
)

// exportJobRecord is the export_jobs table row
type exportJobRecord struct {
	JobID           string `gorm:"primaryKey;size:36"`
	Status          string `gorm:"size:16;index"`
	State           string `gorm:"size:32"`
	ProgressMessage string
	Messages        []string `gorm:"serializer:json;type:text"`
	Filename        string
	MIMEType        string `gorm:"column:mime_type"`
	BlobID          string `gorm:"size:36"`
	OutputPath      string
	SubtitlesPath   string
	SizeBytes       int64
	Error           string    `gorm:"type:text"`
	ErrorKind       string    `gorm:"size:32"`
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (exportJobRecord) TableName() string {
	return "export_jobs"
}

func toRecord(job *models.JobStatus) *exportJobRecord {
	return &exportJobRecord{
		JobID:           job.JobID,
		Status:          job.Status,
		State:           job.State,
		ProgressMessage: job.ProgressMessage,
		Messages:        append([]string(nil), job.Messages...),
		Filename:        job.Filename,
		MIMEType:        job.MIMEType,
		BlobID:          job.BlobID,
		OutputPath:      job.OutputPath,
		SubtitlesPath:   job.SubtitlesPath,
		SizeBytes:       job.SizeBytes,
		Error:           job.Error,
		ErrorKind:       job.ErrorKind,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

func (r *exportJobRecord) toModel() *models.JobStatus {
	return &models.JobStatus{
		JobID:           r.JobID,
		Status:          r.Status,
		State:           r.State,
		ProgressMessage: r.ProgressMessage,
		Messages:        append([]string(nil), r.Messages...),
		Filename:        r.Filename,
		MIMEType:        r.MIMEType,
		BlobID:          r.BlobID,
		OutputPath:      r.OutputPath,
		SubtitlesPath:   r.SubtitlesPath,
		SizeBytes:       r.SizeBytes,
		Error:           r.Error,
		ErrorKind:       r.ErrorKind,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// GormExportJobRepository stores jobs in Postgres
type GormExportJobRepository struct {
	db *gorm.DB
}

// OpenPostgres connects to the database at dsn
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return db, nil
}

// NewGormExportJobRepository wraps db and creates the table when missing
func NewGormExportJobRepository(db *gorm.DB) (*GormExportJobRepository, error) {
	if err := db.AutoMigrate(&exportJobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate export_jobs: %w", err)
	}
	return &GormExportJobRepository{db: db}, nil
}

func (r *GormExportJobRepository) Create(ctx context.Context, job *models.JobStatus) error {
	return r.db.WithContext(ctx).Create(toRecord(job)).Error
}

func (r *GormExportJobRepository) Get(ctx context.Context, id string) (*models.JobStatus, error) {
	var rec exportJobRecord
	err := r.db.WithContext(ctx).First(&rec, "job_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (r *GormExportJobRepository) Update(ctx context.Context, job *models.JobStatus) error {
	res := r.db.WithContext(ctx).Model(&exportJobRecord{}).
		Where("job_id = ?", job.JobID).
		Select("*").
		Updates(toRecord(job))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *GormExportJobRepository) List(ctx context.Context, limit int) ([]*models.JobStatus, error) {
	var recs []exportJobRecord
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	jobs := make([]*models.JobStatus, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, recs[i].toModel())
	}
	return jobs, nil
}

func (r *GormExportJobRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&exportJobRecord{}, "job_id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
