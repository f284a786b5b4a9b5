// Package mediatest provides in-memory stand-ins for the ffmpeg-backed media
// components so exports can run deterministically in tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"storystudio/media"
)

// SampleX and SampleY locate the pixel sampled from every encoded frame. It is
// clear of the placeholder caption and the subtitle line.
const (
	SampleX = 2
	SampleY = 2
)

// Encoder records what an export feeds it. Supported is keyed by MIME type;
// a nil map supports every format.
type Encoder struct {
	Supported map[string]bool

	// FailAfterFrames makes WriteVideoFrame fail once this many frames were
	// written. Zero never fails.
	FailAfterFrames int

	mu       sync.Mutex
	sessions []*Session
}

func (e *Encoder) IsSupported(f media.Format) bool {
	if e.Supported == nil {
		return true
	}
	return e.Supported[f.MIMEType]
}

func (e *Encoder) Start(ctx context.Context, f media.Format, opts media.EncodeOptions) (media.EncodeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		Format:          f,
		Options:         opts,
		failAfterFrames: e.FailAfterFrames,
		chunkEvery:      max(opts.FPS/10, 1),
		data:            make(chan []byte, 4096),
	}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// LastSession returns the most recently started session
func (e *Encoder) LastSession() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Session counts frames and samples and emits a small chunk every tenth of a
// second of video.
type Session struct {
	Format  media.Format
	Options media.EncodeOptions

	failAfterFrames int
	chunkEvery      int

	mu      sync.Mutex
	frames  int
	samples int
	levels  []LevelChange
	pixels  []color.RGBA
	data    chan []byte
	closed  bool
	aborted bool
}

func (s *Session) WriteVideoFrame(frame *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mediatest: session closed")
	}
	if s.failAfterFrames > 0 && s.frames >= s.failAfterFrames {
		return errors.New("mediatest: encoder failed")
	}
	s.pixels = append(s.pixels, frame.RGBAAt(SampleX, SampleY))
	s.frames++
	if s.frames%s.chunkEvery == 0 {
		s.data <- []byte(fmt.Sprintf("[%d]", s.frames))
	}
	return nil
}

func (s *Session) WriteAudio(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mediatest: session closed")
	}
	channels := max(s.Options.Channels, 1)
	for i := 0; i < len(samples); i += channels {
		level := samples[i]
		if n := len(s.levels); n == 0 || s.levels[n-1].Level != level {
			at := time.Duration(int64((s.samples+i)/channels) * int64(time.Second) / int64(s.Options.SampleRate))
			s.levels = append(s.levels, LevelChange{At: at, Level: level})
		}
	}
	s.samples += len(samples)
	return nil
}

// LevelChange marks where the first audio channel switched to a new level
type LevelChange struct {
	At    time.Duration
	Level float32
}

// LevelChanges lists every change of the first channel's level in stream time
func (s *Session) LevelChanges() []LevelChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LevelChange(nil), s.levels...)
}

// LevelAt is the first channel's level at stream time t
func (s *Session) LevelAt(t time.Duration) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var level float32
	for _, c := range s.levels {
		if c.At > t {
			break
		}
		level = c.Level
	}
	return level
}

func (s *Session) Data() <-chan []byte {
	return s.data
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.data)
	}
	return nil
}

func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	_ = s.Close()
}

// Frames is the number of video frames written
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Samples is the number of interleaved audio samples written
func (s *Session) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// SamplePixels returns the pixel at (SampleX, SampleY) of every frame written
func (s *Session) SamplePixels() []color.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]color.RGBA(nil), s.pixels...)
}

// VideoDuration is the play length implied by the frame count
func (s *Session) VideoDuration() time.Duration {
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.Options.FPS)
}

// AudioDuration is the play length implied by the sample count
func (s *Session) AudioDuration() time.Duration {
	frames := s.Samples() / s.Options.Channels
	return time.Duration(int64(frames) * int64(time.Second) / int64(s.Options.SampleRate))
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Clip is a synthetic single-colour video
type Clip struct {
	Duration time.Duration
	Color    color.RGBA
	// Delay holds OpenVideo back as if the clip were still buffering
	Delay time.Duration
	Err   error

	rewinds atomic.Int64
	opened  atomic.Int64
	closed  atomic.Int64
}

func (c *Clip) Rewinds() int64 { return c.rewinds.Load() }
func (c *Clip) Opened() int64  { return c.opened.Load() }
func (c *Clip) Closed() int64  { return c.closed.Load() }

// VideoOpener serves clips keyed by the content of the fetched file
type VideoOpener struct {
	Width, Height int
	Clips         map[string]*Clip
}

func (o *VideoOpener) OpenVideo(ctx context.Context, path string) (media.FrameDecoder, time.Duration, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	clip, ok := o.Clips[string(key)]
	if !ok {
		return nil, 0, fmt.Errorf("mediatest: unknown clip %q", key)
	}
	if clip.Delay > 0 {
		timer := time.NewTimer(clip.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-timer.C:
		}
	}
	if clip.Err != nil {
		return nil, 0, clip.Err
	}
	clip.opened.Add(1)

	frame := image.NewRGBA(image.Rect(0, 0, o.Width, o.Height))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i], frame.Pix[i+1], frame.Pix[i+2], frame.Pix[i+3] = clip.Color.R, clip.Color.G, clip.Color.B, 0xff
	}
	return &frameDecoder{clip: clip, frame: frame}, clip.Duration, nil
}

type frameDecoder struct {
	clip  *Clip
	frame *image.RGBA
}

func (d *frameDecoder) FrameAt(pos time.Duration) (image.Image, error) {
	if d.clip.Duration > 0 && pos >= d.clip.Duration {
		return d.frame, io.EOF
	}
	return d.frame, nil
}

func (d *frameDecoder) Rewind() error {
	d.clip.rewinds.Add(1)
	return nil
}

func (d *frameDecoder) Close() error {
	d.clip.closed.Add(1)
	return nil
}

// AudioDecoder maps file content to a narration length and produces a
// constant-level buffer of that length. Levels overrides Level per key.
type AudioDecoder struct {
	Durations map[string]time.Duration
	Levels    map[string]float32
	Level     float32
}

func (d *AudioDecoder) DecodeAudio(ctx context.Context, path string, sampleRate, channels int) (*media.AudioBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dur, ok := d.Durations[string(key)]
	if !ok {
		return nil, fmt.Errorf("mediatest: cannot decode %q", key)
	}
	level := d.Level
	if l, ok := d.Levels[string(key)]; ok {
		level = l
	}
	if level == 0 {
		level = 0.25
	}
	frames := int(int64(dur) * int64(sampleRate) / int64(time.Second))
	data := make([]float32, frames*channels)
	for i := range data {
		data[i] = level
	}
	return &media.AudioBuffer{SampleRate: sampleRate, Channels: channels, Data: data}, nil
}
