package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"storystudio/logging"
	"storystudio/models"
	"storystudio/repository"
	"storystudio/services"
	"storystudio/storage"
)

// Exporter renders a scene list into one recording
type Exporter interface {
	Export(ctx context.Context, scenes []models.Scene, opts services.ExportOptions, progress services.ProgressFunc) (*services.ExportResult, error)
	Busy() bool
}

// ExportHandler handles export job requests
type ExportHandler struct {
	exporter Exporter
	repo     repository.ExportJobRepository
	blobs    *storage.BlobStore
	logger   *slog.Logger

	// Only one export runs at a time
	mu      sync.Mutex
	active  string
	cancels map[string]context.CancelFunc
}

// NewExportHandler creates a new export handler
func NewExportHandler(exporter Exporter, repo repository.ExportJobRepository, blobs *storage.BlobStore, logger *slog.Logger) *ExportHandler {
	return &ExportHandler{
		exporter: exporter,
		repo:     repo,
		blobs:    blobs,
		logger:   logging.WithComponent(logger, "export_handler"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register mounts the export routes on an /api group
func (h *ExportHandler) Register(api *gin.RouterGroup) {
	api.POST("/exports", h.Create)
	api.GET("/exports", h.List)
	api.GET("/exports/:id", h.GetStatus)
	api.GET("/exports/:id/download", h.Download)
	api.GET("/exports/:id/subtitles", h.DownloadSubtitles)
	api.DELETE("/exports/:id", h.Delete)
	api.GET("/blobs/:id", h.ServeBlob)
}

// Create handles POST /api/exports
func (h *ExportHandler) Create(c *gin.Context) {
	var req models.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if len(services.EligibleScenes(req.Scenes)) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "No completed scenes to export.",
			"error_kind": services.KindNothingToExport,
		})
		return
	}

	jobID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	if h.active != "" || h.exporter.Busy() {
		h.mu.Unlock()
		cancel()
		c.JSON(http.StatusConflict, gin.H{"error": "An export is already running"})
		return
	}
	h.active = jobID
	h.cancels[jobID] = cancel
	h.mu.Unlock()

	now := time.Now()
	job := &models.JobStatus{
		JobID:           jobID,
		Status:          models.JobStatusProcessing,
		State:           string(services.StateIdle),
		ProgressMessage: "Queued",
		Filename:        req.Filename,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.repo.Create(c.Request.Context(), job); err != nil {
		h.finish(jobID)
		h.logger.Error("failed to create job", "job_id", jobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create export job"})
		return
	}

	go h.processExport(ctx, jobID, req)

	c.JSON(http.StatusAccepted, models.ExportResponse{
		JobID:  jobID,
		Status: models.JobStatusProcessing,
	})
}

// List handles GET /api/exports
func (h *ExportHandler) List(c *gin.Context) {
	jobs, err := h.repo.List(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list export jobs"})
		return
	}
	resp := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, gin.H{
			"job_id":     job.JobID,
			"status":     job.Status,
			"state":      job.State,
			"created_at": job.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

// GetStatus handles GET /api/exports/:id
func (h *ExportHandler) GetStatus(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	resp := models.StatusResponse{
		Status:          job.Status,
		State:           job.State,
		ProgressMessage: job.ProgressMessage,
		Messages:        job.Messages,
		MIMEType:        job.MIMEType,
		SizeBytes:       job.SizeBytes,
		ErrorKind:       job.ErrorKind,
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}

	if job.Status == models.JobStatusCompleted && job.BlobID != "" {
		videoURL := h.blobs.URL(job.BlobID)
		resp.VideoURL = &videoURL
	}
	if job.SubtitlesPath != "" {
		subtitlesURL := "/api/exports/" + job.JobID + "/subtitles"
		resp.SubtitlesURL = &subtitlesURL
	}
	if job.Error != "" {
		errMsg := job.Error
		resp.Error = &errMsg
	}

	c.JSON(http.StatusOK, resp)
}

// Download handles GET /api/exports/:id/download
func (h *ExportHandler) Download(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	if job.Status != models.JobStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job not completed yet"})
		return
	}

	blob, err := h.blobs.Get(job.BlobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video file not found"})
		return
	}

	c.Header("Content-Type", blob.MIMEType)
	c.FileAttachment(blob.Path, blob.Filename)
}

// DownloadSubtitles handles GET /api/exports/:id/subtitles
func (h *ExportHandler) DownloadSubtitles(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	if job.Status != models.JobStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job not completed yet"})
		return
	}
	if job.SubtitlesPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subtitle file not found"})
		return
	}

	c.Header("Content-Type", "application/x-subrip")
	c.FileAttachment(job.SubtitlesPath, "subtitles_"+job.JobID+".srt")
}

// Delete handles DELETE /api/exports/:id. A running export is canceled; a
// finished one has its blob revoked and its files removed.
func (h *ExportHandler) Delete(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	h.mu.Lock()
	cancel, running := h.cancels[job.JobID]
	h.mu.Unlock()
	if running {
		cancel()
		c.JSON(http.StatusAccepted, gin.H{"status": "canceling"})
		return
	}

	if err := h.blobs.DeleteJob(job.JobID); err != nil {
		h.logger.Warn("failed to delete job files", "job_id", job.JobID, "error", err)
	}
	if err := h.repo.Delete(c.Request.Context(), job.JobID); err != nil && !errors.Is(err, repository.ErrJobNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete export job"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ServeBlob handles GET /api/blobs/:id
func (h *ExportHandler) ServeBlob(c *gin.Context) {
	blob, err := h.blobs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Blob not found"})
		return
	}
	c.Header("Content-Type", blob.MIMEType)
	c.File(blob.Path)
}

func (h *ExportHandler) loadJob(c *gin.Context) (*models.JobStatus, bool) {
	job, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load export job"})
		return nil, false
	}
	return job, true
}

func (h *ExportHandler) finish(jobID string) {
	h.mu.Lock()
	if cancel, ok := h.cancels[jobID]; ok {
		cancel()
		delete(h.cancels, jobID)
	}
	if h.active == jobID {
		h.active = ""
	}
	h.mu.Unlock()
}

// processExport runs one export in the background
func (h *ExportHandler) processExport(ctx context.Context, jobID string, req models.ExportRequest) {
	defer h.finish(jobID)
	logger := logging.WithJobID(h.logger, jobID)

	updateStatus := func(state services.ExportState, message string) {
		h.mutateJob(jobID, func(job *models.JobStatus) {
			job.State = string(state)
			job.ProgressMessage = message
			job.Messages = append(job.Messages, message)
		})
		logger.Info(message, "state", state)
	}

	result, err := h.exporter.Export(ctx, req.Scenes, services.ExportOptions{Filename: req.Filename}, updateStatus)
	if err != nil {
		h.markJobFailed(jobID, err)
		return
	}

	blob, err := h.blobs.Put(jobID, result.Data, result.MIMEType, result.Filename)
	if err != nil {
		h.markJobFailed(jobID, err)
		return
	}

	var subtitlesPath string
	if srt := services.BuildSRT(result.Segments); srt != "" {
		subtitlesPath, err = h.blobs.WriteSidecar(jobID, "subtitles.srt", []byte(srt))
		if err != nil {
			// Don't fail the whole job, just log error
			logger.Warn("failed to write subtitles", "error", err)
		}
	}

	h.mutateJob(jobID, func(job *models.JobStatus) {
		job.Status = models.JobStatusCompleted
		job.Filename = blob.Filename
		job.MIMEType = blob.MIMEType
		job.BlobID = blob.ID
		job.OutputPath = blob.Path
		job.SubtitlesPath = subtitlesPath
		job.SizeBytes = blob.Size
	})
	logger.Info("export job completed", "size_bytes", blob.Size, "duration", result.Duration)
}

// markJobFailed marks a job as failed
func (h *ExportHandler) markJobFailed(jobID string, err error) {
	kind := services.KindInternal
	message := err.Error()
	var exportErr *services.ExportError
	if errors.As(err, &exportErr) {
		kind = exportErr.Kind
		message = exportErr.Reason
	}

	h.logger.Error("export job failed", "job_id", jobID, "kind", kind, "error", err)
	h.mutateJob(jobID, func(job *models.JobStatus) {
		job.Status = models.JobStatusFailed
		job.State = string(services.StateFailed)
		job.Error = message
		job.ErrorKind = string(kind)
	})
}

func (h *ExportHandler) mutateJob(jobID string, fn func(job *models.JobStatus)) {
	ctx := context.Background()
	job, err := h.repo.Get(ctx, jobID)
	if err != nil {
		h.logger.Warn("job vanished during export", "job_id", jobID, "error", err)
		return
	}
	fn(job)
	job.UpdatedAt = time.Now()
	if err := h.repo.Update(ctx, job); err != nil {
		h.logger.Warn("failed to update job", "job_id", jobID, "error", err)
	}
}
