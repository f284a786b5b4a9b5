package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"storystudio/utils"
)

// AudioDecoder decodes a narration file into PCM at the given format
type AudioDecoder interface {
	DecodeAudio(ctx context.Context, path string, sampleRate, channels int) (*AudioBuffer, error)
}

// VideoOpener prepares a clip for frame-by-frame drawing. It returns once the
// first frame is decodable, together with the clip duration (zero if unknown).
type VideoOpener interface {
	OpenVideo(ctx context.Context, path string) (FrameDecoder, time.Duration, error)
}

// FFmpegAudioDecoder decodes through ffmpeg to interleaved f32le
type FFmpegAudioDecoder struct {
	ffmpegPath string
}

func NewFFmpegAudioDecoder(ffmpegPath string) *FFmpegAudioDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegAudioDecoder{ffmpegPath: ffmpegPath}
}

func (d *FFmpegAudioDecoder) DecodeAudio(ctx context.Context, path string, sampleRate, channels int) (*AudioBuffer, error) {
	args := ffmpeg.Input(path).Output("pipe:1", ffmpeg.KwArgs{
		"map": "0:a:0",
		"f":   "f32le",
		"ar":  sampleRate,
		"ac":  channels,
	}).GetArgs()

	out, err := utils.FFmpegOutput(ctx, d.ffmpegPath, append([]string{"-hide_banner", "-loglevel", "error"}, args...))
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("decode audio: no samples")
	}

	data := make([]float32, len(out)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:]))
	}
	return &AudioBuffer{SampleRate: sampleRate, Channels: channels, Data: data}, nil
}

// FFmpegVideoOpener probes clips with ffprobe and decodes them with ffmpeg,
// scaled to the surface size
type FFmpegVideoOpener struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
	FPS         int
}

func (o *FFmpegVideoOpener) OpenVideo(ctx context.Context, path string) (FrameDecoder, time.Duration, error) {
	duration, err := utils.ProbeDuration(ctx, o.FFprobePath, path)
	if err != nil {
		return nil, 0, fmt.Errorf("probe video: %w", err)
	}

	dec := &FFmpegFrameDecoder{
		ffmpegPath: o.FFmpegPath,
		path:       path,
		width:      o.Width,
		height:     o.Height,
		fps:        o.FPS,
	}
	if _, err := dec.FrameAt(0); err != nil {
		dec.Close()
		return nil, 0, fmt.Errorf("decode first frame: %w", err)
	}
	return dec, duration, nil
}

// FFmpegFrameDecoder reads rawvideo frames sequentially from an ffmpeg
// process. Rewind restarts the process.
type FFmpegFrameDecoder struct {
	ffmpegPath    string
	path          string
	width, height int
	fps           int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	next   int
	frame  *image.RGBA
	eof    bool
}

func (d *FFmpegFrameDecoder) start() error {
	args := ffmpeg.Input(d.path).Output("pipe:1", ffmpeg.KwArgs{
		"map":     "0:v:0",
		"f":       "rawvideo",
		"pix_fmt": "rgba",
		"vf":      fmt.Sprintf("fps=%d,scale=%d:%d", d.fps, d.width, d.height),
	}).GetArgs()

	cmd := exec.Command(d.ffmpegPath, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	d.stderr.Reset()
	cmd.Stderr = &d.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg decoder: %w", err)
	}
	d.cmd = cmd
	d.stdout = stdout
	d.next = 0
	d.eof = false
	if d.frame == nil {
		d.frame = image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	}
	return nil
}

func (d *FFmpegFrameDecoder) FrameAt(pos time.Duration) (image.Image, error) {
	if d.cmd == nil {
		if err := d.start(); err != nil {
			return nil, err
		}
	}
	want := int(int64(pos) * int64(d.fps) / int64(time.Second))

	for !d.eof && d.next <= want {
		if _, err := io.ReadFull(d.stdout, d.frame.Pix); err != nil {
			d.eof = true
			if d.next == 0 {
				return nil, fmt.Errorf("no frames decoded: %s", utils.TailString(d.stderr.String(), 512))
			}
			break
		}
		d.next++
	}
	if d.next == 0 {
		return nil, io.EOF
	}
	if d.eof {
		return d.frame, io.EOF
	}
	return d.frame, nil
}

func (d *FFmpegFrameDecoder) Rewind() error {
	d.stop()
	return nil
}

func (d *FFmpegFrameDecoder) Close() error {
	d.stop()
	return nil
}

func (d *FFmpegFrameDecoder) stop() {
	if d.cmd == nil {
		return
	}
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	d.stdout = nil
}
