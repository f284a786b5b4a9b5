package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"storystudio/utils"
)

const chunkSize = 64 * 1024

// FFmpegEncoder records through an ffmpeg child process: raw RGBA frames on
// stdin, f32le audio on fd 3, and the muxed container streamed from stdout.
type FFmpegEncoder struct {
	ffmpegPath string
	logger     *slog.Logger

	once     sync.Once
	encoders map[string]bool
}

func NewFFmpegEncoder(ffmpegPath string, logger *slog.Logger) *FFmpegEncoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegEncoder{ffmpegPath: ffmpegPath, logger: logger}
}

// IsSupported reports whether both codecs of f are compiled into ffmpeg
func (e *FFmpegEncoder) IsSupported(f Format) bool {
	e.once.Do(func() {
		encoders, err := utils.ListEncoders(context.Background(), e.ffmpegPath)
		if err != nil {
			e.logger.Warn("failed to list ffmpeg encoders", "error", err)
			encoders = map[string]bool{}
		}
		e.encoders = encoders
	})
	return e.encoders[f.VideoCodec] && e.encoders[f.AudioCodec]
}

// EncodeArgs builds the ffmpeg argument list for a recording session
func EncodeArgs(f Format, opts EncodeOptions) []string {
	video := ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"s":       fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"r":       opts.FPS,
	})
	audio := ffmpeg.Input("pipe:3", ffmpeg.KwArgs{
		"f":  "f32le",
		"ar": opts.SampleRate,
		"ac": opts.Channels,
	})

	out := ffmpeg.KwArgs{
		"c:v":           f.VideoCodec,
		"c:a":           f.AudioCodec,
		"b:v":           opts.VideoBitrate,
		"pix_fmt":       "yuv420p",
		"f":             f.Container,
		"flush_packets": 1,
	}
	if f.Container == "mp4" {
		out["movflags"] = "frag_keyframe+empty_moov+default_base_moof"
	}
	for k, v := range realtimeArgs(f.VideoCodec) {
		out[k] = v
	}

	args := ffmpeg.Output([]*ffmpeg.Stream{video, audio}, "pipe:1", out).GetArgs()
	return append([]string{"-hide_banner", "-loglevel", "error"}, args...)
}

// realtimeArgs tunes each video encoder to keep up with frames captured at
// play speed
func realtimeArgs(codec string) ffmpeg.KwArgs {
	switch codec {
	case "libvpx-vp9":
		return ffmpeg.KwArgs{"deadline": "realtime", "cpu-used": 5, "row-mt": 1}
	case "libvpx":
		return ffmpeg.KwArgs{"deadline": "realtime", "cpu-used": 8}
	case "libx264":
		return ffmpeg.KwArgs{"preset": "ultrafast", "tune": "zerolatency"}
	}
	return nil
}

// Start launches ffmpeg for one recording
func (e *FFmpegEncoder) Start(ctx context.Context, f Format, opts EncodeOptions) (EncodeSession, error) {
	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, EncodeArgs(f, opts)...)
	cmd.ExtraFiles = []*os.File{audioR}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	s := &ffmpegSession{
		cmd:        cmd,
		video:      make(chan []byte, opts.FPS),
		audio:      make(chan []byte, opts.FPS),
		data:       make(chan []byte, 64),
		readerDone: make(chan struct{}),
		failed:     make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	audioR.Close()

	s.writers.Add(2)
	go s.pump(stdin, s.video)
	go s.pump(audioW, s.audio)
	go s.read(stdout)

	return s, nil
}

type ffmpegSession struct {
	cmd    *exec.Cmd
	stderr bytes.Buffer

	video chan []byte
	audio chan []byte
	data  chan []byte

	writers    sync.WaitGroup
	readerDone chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegSession) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		close(s.failed)
	})
}

// pump writes queued buffers to one input pipe until the queue is closed
func (s *ffmpegSession) pump(w io.WriteCloser, queue <-chan []byte) {
	defer s.writers.Done()
	defer w.Close()
	for buf := range queue {
		if _, err := w.Write(buf); err != nil {
			s.fail(fmt.Errorf("ffmpeg input closed: %w", err))
			for range queue {
			}
			return
		}
	}
}

func (s *ffmpegSession) read(r io.Reader) {
	defer close(s.readerDone)
	defer close(s.data)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.data <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.fail(fmt.Errorf("ffmpeg output: %w", err))
			}
			return
		}
	}
}

func (s *ffmpegSession) enqueue(queue chan<- []byte, buf []byte) error {
	select {
	case <-s.failed:
		return s.failErr
	case queue <- buf:
		return nil
	}
}

func (s *ffmpegSession) WriteVideoFrame(frame *image.RGBA) error {
	buf := make([]byte, len(frame.Pix))
	copy(buf, frame.Pix)
	return s.enqueue(s.video, buf)
}

func (s *ffmpegSession) WriteAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return s.enqueue(s.audio, buf)
}

func (s *ffmpegSession) Data() <-chan []byte {
	return s.data
}

func (s *ffmpegSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.video)
		close(s.audio)
		s.writers.Wait()
		<-s.readerDone
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = fmt.Errorf("ffmpeg encode failed: %w, stderr: %s", err, utils.TailString(s.stderr.String(), 2048))
			return
		}
		select {
		case <-s.failed:
			s.closeErr = s.failErr
		default:
		}
	})
	return s.closeErr
}

func (s *ffmpegSession) Abort() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.fail(errors.New("encode aborted"))
	_ = s.Close()
}
