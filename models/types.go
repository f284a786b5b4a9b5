package models

import (
	"encoding/json"
	"time"
)

// SceneStatus mirrors the storyboard generation state of a scene
type SceneStatus string

const (
	SceneStatusIdle       SceneStatus = "IDLE"
	SceneStatusGenerating SceneStatus = "GENERATING"
	SceneStatusCompleted  SceneStatus = "COMPLETED"
	SceneStatusError      SceneStatus = "ERROR"
)

// Scene is one storyboard entry produced upstream. The exporter never mutates it.
type Scene struct {
	ID       string      `json:"id"`
	Script   string      `json:"script"`
	ImageURI string      `json:"image_uri,omitempty"`
	VideoURI string      `json:"video_uri,omitempty"`
	AudioURI string      `json:"audio_uri,omitempty"`
	Status   SceneStatus `json:"status"`
}

// UnmarshalJSON also accepts the camelCase media keys (imageUri, videoUri,
// audioUri) sent by the storyboard client. Snake case wins when both appear.
func (s *Scene) UnmarshalJSON(data []byte) error {
	type plain Scene
	var aux struct {
		plain
		ImageURICamel string `json:"imageUri"`
		VideoURICamel string `json:"videoUri"`
		AudioURICamel string `json:"audioUri"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Scene(aux.plain)
	s.ImageURI = firstNonEmpty(s.ImageURI, aux.ImageURICamel)
	s.VideoURI = firstNonEmpty(s.VideoURI, aux.VideoURICamel)
	s.AudioURI = firstNonEmpty(s.AudioURI, aux.AudioURICamel)
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Exportable reports whether the scene is completed and has a visual asset
func (s Scene) Exportable() bool {
	return s.Status == SceneStatusCompleted && (s.VideoURI != "" || s.ImageURI != "")
}

// ExportRequest represents the input from frontend
type ExportRequest struct {
	Scenes   []Scene `json:"scenes" binding:"required"`
	Filename string  `json:"filename"`
}

// ExportResponse returns the job ID
type ExportResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse returns current progress
type StatusResponse struct {
	Status          string   `json:"status"` // "processing", "completed", "failed"
	State           string   `json:"state"`
	ProgressMessage string   `json:"progress_message"`
	Messages        []string `json:"messages"`
	VideoURL        *string  `json:"video_url,omitempty"`
	SubtitlesURL    *string  `json:"subtitles_url,omitempty"`
	MIMEType        string   `json:"mime_type,omitempty"`
	SizeBytes       int64    `json:"size_bytes,omitempty"`
	Error           *string  `json:"error,omitempty"`
	ErrorKind       string   `json:"error_kind,omitempty"`
}

// Job statuses
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobStatus tracks processing status of one export
type JobStatus struct {
	JobID           string
	Status          string
	State           string
	ProgressMessage string
	Messages        []string
	Filename        string
	MIMEType        string
	BlobID          string
	OutputPath      string
	SubtitlesPath   string
	SizeBytes       int64
	Error           string
	ErrorKind       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
