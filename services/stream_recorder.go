package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"storystudio/logging"
	"storystudio/media"
)

// Recording is the finished capture
type Recording struct {
	Data     []byte
	Format   media.Format
	Chunks   int
	Duration time.Duration
}

// StreamRecorder captures the surface at a fixed frame rate together with the
// audio graph's mix into one encoded stream
type StreamRecorder struct {
	encoder media.Encoder
	format  media.Format
	opts    media.EncodeOptions
	surface *media.Surface
	dest    *media.StreamDestination
	host    *media.Host
	logger  *slog.Logger

	interval   time.Duration
	frame      *image.RGBA
	session    media.EncodeSession
	videoTrack *media.Track
	startedAt  time.Duration
	frames     int64

	mu        sync.Mutex
	chunks    [][]byte
	collected chan struct{}
	finished  bool
}

func NewStreamRecorder(encoder media.Encoder, format media.Format, opts media.EncodeOptions, surface *media.Surface, dest *media.StreamDestination, host *media.Host, logger *slog.Logger) *StreamRecorder {
	return &StreamRecorder{
		encoder:  encoder,
		format:   format,
		opts:     opts,
		surface:  surface,
		dest:     dest,
		host:     host,
		logger:   logging.WithComponent(logger, "recorder"),
		interval: time.Second / time.Duration(opts.FPS),
		frame:    image.NewRGBA(surface.Bounds()),
	}
}

// Start begins the capture at clock time now. Audio mixed before now is
// dropped.
func (r *StreamRecorder) Start(ctx context.Context, now time.Duration) error {
	if r.session != nil {
		return errors.New("recorder already started")
	}
	session, err := r.encoder.Start(ctx, r.format, r.opts)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}
	r.session = session
	r.videoTrack = r.host.NewTrack(media.TrackVideo)
	r.startedAt = now
	r.dest.ReadUntil(now)

	r.collected = make(chan struct{})
	go r.collect()

	r.logger.Info("recording started", "mime_type", r.format.MIMEType, "fps", r.opts.FPS)
	return nil
}

func (r *StreamRecorder) collect() {
	defer close(r.collected)
	for chunk := range r.session.Data() {
		if len(chunk) == 0 {
			continue
		}
		r.mu.Lock()
		r.chunks = append(r.chunks, chunk)
		r.mu.Unlock()
	}
}

// Capture emits one video frame for every capture tick up to now, then the
// audio mixed up to now
func (r *StreamRecorder) Capture(now time.Duration) error {
	elapsed := now - r.startedAt
	for time.Duration(r.frames)*r.interval <= elapsed {
		r.surface.CopyTo(r.frame)
		if err := r.session.WriteVideoFrame(r.frame); err != nil {
			return fmt.Errorf("write video frame: %w", err)
		}
		r.frames++
	}
	if samples := r.dest.ReadUntil(now); len(samples) > 0 {
		if err := r.session.WriteAudio(samples); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
	}
	return nil
}

// Stop captures up to now, flushes the encoder, and returns the chunks
// concatenated in arrival order
func (r *StreamRecorder) Stop(now time.Duration) (*Recording, error) {
	if r.session == nil {
		return nil, errors.New("recorder not started")
	}
	if r.finished {
		return nil, errors.New("recorder already stopped")
	}
	r.finished = true
	defer r.videoTrack.Stop()

	if err := r.Capture(now); err != nil {
		r.session.Abort()
		<-r.collected
		return nil, err
	}
	closeErr := r.session.Close()
	<-r.collected
	if closeErr != nil {
		return nil, fmt.Errorf("finalize encoder: %w", closeErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &Recording{
		Data:     bytes.Join(r.chunks, nil),
		Format:   r.format,
		Chunks:   len(r.chunks),
		Duration: time.Duration(r.frames) * r.interval,
	}
	r.logger.Info("recording stopped", "chunks", rec.Chunks, "bytes", len(rec.Data), "frames", r.frames)
	return rec, nil
}

// Abort discards the capture. It does nothing after Stop.
func (r *StreamRecorder) Abort() {
	if r.session == nil || r.finished {
		return
	}
	r.finished = true
	r.session.Abort()
	<-r.collected
	r.videoTrack.Stop()
	r.logger.Warn("recording aborted", "frames", r.frames)
}

// Tracks returns the live capture tracks
func (r *StreamRecorder) Tracks() []*media.Track {
	tracks := []*media.Track{r.dest.Track()}
	if r.videoTrack != nil {
		tracks = append(tracks, r.videoTrack)
	}
	return tracks
}
