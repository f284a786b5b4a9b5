package media

import (
	"context"
	"errors"
	"image"
)

// ErrNoSupportedFormat is returned when no container/codec pair can be recorded
var ErrNoSupportedFormat = errors.New("media: no supported recording format")

// Format is a container plus video and audio encoder
type Format struct {
	MIMEType   string
	Container  string
	Extension  string
	VideoCodec string
	AudioCodec string
}

// PreferredFormats is probed in order; the first supported entry wins
var PreferredFormats = []Format{
	{MIMEType: "video/webm;codecs=vp9,opus", Container: "webm", Extension: ".webm", VideoCodec: "libvpx-vp9", AudioCodec: "libopus"},
	{MIMEType: "video/webm;codecs=vp8,opus", Container: "webm", Extension: ".webm", VideoCodec: "libvpx", AudioCodec: "libopus"},
	{MIMEType: "video/webm", Container: "webm", Extension: ".webm", VideoCodec: "libvpx", AudioCodec: "libvorbis"},
	{MIMEType: "video/mp4", Container: "mp4", Extension: ".mp4", VideoCodec: "libx264", AudioCodec: "aac"},
}

// EncodeOptions describes the raw streams fed to an encoder
type EncodeOptions struct {
	Width        int
	Height       int
	FPS          int
	SampleRate   int
	Channels     int
	VideoBitrate string
}

// Encoder multiplexes a video and an audio stream into one container
type Encoder interface {
	IsSupported(f Format) bool
	Start(ctx context.Context, f Format, opts EncodeOptions) (EncodeSession, error)
}

// EncodeSession is one running encode. Encoded bytes are delivered on Data as
// they are produced; the channel closes once the encoder has flushed.
type EncodeSession interface {
	WriteVideoFrame(frame *image.RGBA) error
	WriteAudio(samples []float32) error
	Data() <-chan []byte
	// Close ends both input streams and waits for the encoder to finish
	Close() error
	// Abort kills the encoder, discarding output
	Abort()
}

// SelectFormat returns the first format in prefs the encoder supports
func SelectFormat(enc Encoder, prefs []Format) (Format, error) {
	for _, f := range prefs {
		if enc.IsSupported(f) {
			return f, nil
		}
	}
	return Format{}, ErrNoSupportedFormat
}
