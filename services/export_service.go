package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"storystudio/logging"
	"storystudio/media"
	"storystudio/models"
)

// ExportState is a phase of an export run
type ExportState string

const (
	StateIdle           ExportState = "idle"
	StateLoadingAssets  ExportState = "loading_assets"
	StateRenderingScene ExportState = "rendering_scene"
	StateFinalizing     ExportState = "finalizing"
	StateComplete       ExportState = "complete"
	StateFailed         ExportState = "failed"
)

// ErrorKind classifies export failures
type ErrorKind string

const (
	KindNothingToExport    ErrorKind = "nothing_to_export"
	KindNoSupportedFormat  ErrorKind = "no_supported_format"
	KindContextUnavailable ErrorKind = "context_unavailable"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

var (
	ErrNothingToExport  = errors.New("no completed scenes to export")
	ErrExportInProgress = errors.New("an export is already running")
)

// ExportError is the failure outcome of an export run
type ExportError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *ExportError) Error() string {
	return e.Reason
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

func newExportError(kind ErrorKind, reason string, err error) *ExportError {
	return &ExportError{Kind: kind, Reason: reason, Err: err}
}

// Segment is where one scene landed on the recorded timeline
type Segment struct {
	SceneID       string         `json:"scene_id"`
	Script        string         `json:"script"`
	Start         time.Duration  `json:"start"`
	End           time.Duration  `json:"end"`
	Source        DurationSource `json:"source"`
	LoopedVideo   bool           `json:"looped_video"`
	VisualSkipped bool           `json:"visual_skipped"`
}

func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// ExportResult is the encoded file of a finished export
type ExportResult struct {
	Data     []byte
	MIMEType string
	Filename string
	Segments []Segment
	Duration time.Duration
}

// ProgressFunc receives short status messages as an export moves through its
// phases
type ProgressFunc func(state ExportState, message string)

// ExportOptions are per-call settings
type ExportOptions struct {
	Filename string
	// Clock drives the frame loop. Nil uses the real display clock.
	Clock media.Clock
}

// ExportConfig holds the settings shared by every export
type ExportConfig struct {
	Width                int
	Height               int
	FPS                  int
	RefreshRate          int
	SampleRate           int
	Channels             int
	VideoBitrate         string
	DefaultSceneDuration time.Duration
	VideoReadyTimeout    time.Duration
	SubtitleMaxChars     int
	WorkDir              string
}

// ExportService renders scene lists into a single video file. Runs are
// strictly one at a time.
type ExportService struct {
	cfg     ExportConfig
	host    *media.Host
	encoder media.Encoder
	fetcher *AssetFetcher
	audio   media.AudioDecoder
	video   media.VideoOpener
	logger  *slog.Logger

	running atomic.Bool
}

func NewExportService(cfg ExportConfig, host *media.Host, encoder media.Encoder, fetcher *AssetFetcher, audio media.AudioDecoder, video media.VideoOpener, logger *slog.Logger) *ExportService {
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &ExportService{
		cfg:     cfg,
		host:    host,
		encoder: encoder,
		fetcher: fetcher,
		audio:   audio,
		video:   video,
		logger:  logging.WithComponent(logger, "exporter"),
	}
}

// Busy reports whether an export is running
func (s *ExportService) Busy() bool {
	return s.running.Load()
}

// EligibleScenes returns the completed scenes that have a visual asset, in order
func EligibleScenes(scenes []models.Scene) []models.Scene {
	eligible := make([]models.Scene, 0, len(scenes))
	for _, scene := range scenes {
		if scene.Exportable() {
			eligible = append(eligible, scene)
		}
	}
	return eligible
}

// exportRun owns everything one export acquires. release frees it in reverse
// order on every exit path.
type exportRun struct {
	logger   *slog.Logger
	releases []func() error
	names    []string
}

func (r *exportRun) own(name string, release func() error) {
	r.names = append(r.names, name)
	r.releases = append(r.releases, release)
}

func (r *exportRun) release() {
	for i := len(r.releases) - 1; i >= 0; i-- {
		if err := r.releases[i](); err != nil {
			r.logger.Warn("failed to release export resource", "resource", r.names[i], "error", err)
		}
	}
	r.releases, r.names = nil, nil
}

// Export renders scenes into one recording. Fatal failures are returned as
// *ExportError; resources are released before it returns.
func (s *ExportService) Export(ctx context.Context, scenes []models.Scene, opts ExportOptions, progress ProgressFunc) (*ExportResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrExportInProgress
	}
	defer s.running.Store(false)

	if progress == nil {
		progress = func(ExportState, string) {}
	}
	run := &exportRun{logger: s.logger}
	defer run.release()

	result, err := s.export(ctx, run, scenes, opts, progress)
	if err != nil {
		var exportErr *ExportError
		if !errors.As(err, &exportErr) {
			exportErr = newExportError(KindInternal, fmt.Sprintf("Export failed: %v", err), err)
		}
		s.logger.Error("export failed", "kind", exportErr.Kind, "error", exportErr.Err)
		progress(StateFailed, exportErr.Reason)
		return nil, exportErr
	}
	progress(StateComplete, "Export complete")
	return result, nil
}

func (s *ExportService) export(ctx context.Context, run *exportRun, scenes []models.Scene, opts ExportOptions, progress ProgressFunc) (*ExportResult, error) {
	eligible := EligibleScenes(scenes)
	if len(eligible) == 0 {
		return nil, newExportError(KindNothingToExport, "No completed scenes to export.", ErrNothingToExport)
	}
	surface, err := media.NewSurface(s.cfg.Width, s.cfg.Height)
	if err != nil {
		return nil, newExportError(KindContextUnavailable, "Could not create drawing context.", err)
	}
	format, err := media.SelectFormat(s.encoder, media.PreferredFormats)
	if err != nil {
		return nil, newExportError(KindNoSupportedFormat, "No supported recording format available.", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = media.NewRealClock(s.cfg.RefreshRate)
	}

	if err := os.MkdirAll(s.cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "export-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	run.own("work dir", func() error { return os.RemoveAll(workDir) })

	// Loading
	progress(StateLoadingAssets, "Pre-loading media assets...")
	loader := NewAssetLoader(s.fetcher, s.audio, s.video, clock, LoaderOptions{
		SampleRate:        s.cfg.SampleRate,
		Channels:          s.cfg.Channels,
		VideoReadyTimeout: s.cfg.VideoReadyTimeout,
		DefaultDuration:   s.cfg.DefaultSceneDuration,
	}, s.logger)
	assets, err := loader.LoadAll(ctx, eligible, workDir, func(msg string) {
		progress(StateLoadingAssets, msg)
	})
	if err != nil {
		return nil, canceledOr(err)
	}
	for _, a := range assets {
		run.own("scene "+a.Scene.ID, a.Dispose)
	}

	// Recording setup
	progress(StateLoadingAssets, "Starting Render...")
	compositor, err := NewCompositor(surface, s.cfg.SubtitleMaxChars, s.logger)
	if err != nil {
		return nil, newExportError(KindContextUnavailable, "Could not create drawing context.", err)
	}
	graph, err := NewAudioGraph(ctx, s.host, clock, s.cfg.SampleRate, s.cfg.Channels, s.logger)
	if err != nil {
		return nil, canceledOr(err)
	}
	run.own("audio context", graph.Close)
	run.own("audio track", func() error { graph.Destination().Track().Stop(); return nil })

	recorder := NewStreamRecorder(s.encoder, format, media.EncodeOptions{
		Width:        s.cfg.Width,
		Height:       s.cfg.Height,
		FPS:          s.cfg.FPS,
		SampleRate:   s.cfg.SampleRate,
		Channels:     s.cfg.Channels,
		VideoBitrate: s.cfg.VideoBitrate,
	}, surface, graph.Destination(), s.host, s.logger)
	if err := recorder.Start(ctx, clock.Now()); err != nil {
		return nil, canceledOr(err)
	}
	recStart := clock.Now()
	run.own("recorder", func() error { recorder.Abort(); return nil })

	// Rendering
	segments := make([]Segment, 0, len(assets))
	for i, a := range assets {
		if err := ctx.Err(); err != nil {
			return nil, canceledOr(err)
		}
		progress(StateRenderingScene, fmt.Sprintf("Rendering scene %d/%d...", i+1, len(assets)))

		seg, err := s.renderScene(ctx, clock, compositor, graph, recorder, a)
		seg.Start -= recStart
		seg.End -= recStart
		_ = a.Dispose()
		if err != nil {
			return nil, canceledOr(err)
		}
		segments = append(segments, seg)
	}

	// Finalizing
	progress(StateFinalizing, "Finalizing video...")
	rec, err := recorder.Stop(clock.Now())
	if err != nil {
		return nil, err
	}
	if err := graph.Close(); err != nil {
		s.logger.Warn("failed to close audio context", "error", err)
	}
	stopTracks(recorder.Tracks())

	result := &ExportResult{
		Data:     rec.Data,
		MIMEType: rec.Format.MIMEType,
		Filename: exportFilename(opts.Filename, rec.Format),
		Segments: segments,
	}
	if len(segments) > 0 {
		result.Duration = segments[len(segments)-1].End
	}
	s.logger.Info("export complete",
		"scenes", len(segments),
		"duration", result.Duration,
		"bytes", len(result.Data),
		"mime_type", result.MIMEType,
	)
	return result, nil
}

// renderScene starts the scene's narration and clip at the same clock instant
// the frame loop is entered, runs the loop, then pauses the clip
func (s *ExportService) renderScene(ctx context.Context, clock media.Clock, compositor *Compositor, graph *AudioGraph, recorder *StreamRecorder, a *LoadedSceneAssets) (Segment, error) {
	logger := logging.WithSceneID(s.logger, a.Scene.ID)
	seg := Segment{
		SceneID:     a.Scene.ID,
		Script:      a.Scene.Script,
		Source:      a.Timeline.Source,
		LoopedVideo: a.Timeline.LoopVideo,
		Start:       clock.Now(),
	}

	if a.Audio != nil {
		if err := graph.Play(a.Audio); err != nil {
			logger.Warn("narration playback failed", "error", err)
		}
	}
	if a.Video != nil {
		a.Video.SetLoop(a.Timeline.LoopVideo)
		if err := a.Video.Seek(0); err != nil {
			logger.Warn("video seek failed", "error", err)
		}
		if err := a.Video.Play(); err != nil {
			logger.Warn("video play failed", "error", err)
		}
	}

	res, err := compositor.RenderScene(ctx, clock, a, recorder.Capture)
	if a.Video != nil {
		a.Video.Pause()
	}
	seg.End = seg.Start + res.Elapsed
	seg.VisualSkipped = res.VisualSkipped
	if err != nil {
		return seg, err
	}

	logger.Info("scene rendered",
		"duration", res.Elapsed,
		"target", a.Timeline.Duration,
		"source", a.Timeline.Source,
		"video_ended", res.VideoEnded,
	)
	return seg, nil
}

func stopTracks(tracks []*media.Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

func canceledOr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newExportError(KindCanceled, "Export canceled.", err)
	}
	return err
}

func exportFilename(name string, format media.Format) string {
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "story-export"
	}
	if filepath.Ext(name) != format.Extension {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + format.Extension
	}
	return name
}
