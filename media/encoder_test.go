package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mimeEncoder map[string]bool

func (m mimeEncoder) IsSupported(f Format) bool { return m[f.MIMEType] }

func (m mimeEncoder) Start(context.Context, Format, EncodeOptions) (EncodeSession, error) {
	return nil, nil
}

func TestSelectFormatPrefersFirstSupported(t *testing.T) {
	f, err := SelectFormat(mimeEncoder{"video/webm;codecs=vp8,opus": true, "video/mp4": true}, PreferredFormats)
	require.NoError(t, err)
	assert.Equal(t, "video/webm;codecs=vp8,opus", f.MIMEType)

	f, err = SelectFormat(mimeEncoder{"video/mp4": true}, PreferredFormats)
	require.NoError(t, err)
	assert.Equal(t, ".mp4", f.Extension)
}

func TestSelectFormatNoneSupported(t *testing.T) {
	_, err := SelectFormat(mimeEncoder{}, PreferredFormats)
	assert.ErrorIs(t, err, ErrNoSupportedFormat)
}

func TestEncodeArgs(t *testing.T) {
	opts := EncodeOptions{Width: 1280, Height: 720, FPS: 30, SampleRate: 48000, Channels: 2, VideoBitrate: "5M"}

	args := EncodeArgs(PreferredFormats[0], opts)
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"-hide_banner", "-loglevel", "error"}, args[:3])
	assert.Equal(t, "pipe:1", args[len(args)-1])
	assert.Contains(t, joined, "-s 1280x720")
	assert.Contains(t, joined, "-i pipe:0")
	assert.Contains(t, joined, "-i pipe:3")
	assert.Contains(t, joined, "-c:v libvpx-vp9")
	assert.Contains(t, joined, "-c:a libopus")
	assert.Contains(t, joined, "-b:v 5M")
	assert.NotContains(t, joined, "movflags")
	assert.Contains(t, joined, "-deadline realtime")
	assert.Contains(t, joined, "-cpu-used 5")
	assert.Contains(t, joined, "-row-mt 1")

	vp8 := strings.Join(EncodeArgs(PreferredFormats[1], opts), " ")
	assert.Contains(t, vp8, "-deadline realtime")
	assert.Contains(t, vp8, "-cpu-used 8")
	assert.NotContains(t, vp8, "row-mt")

	mp4 := strings.Join(EncodeArgs(PreferredFormats[3], opts), " ")
	assert.Contains(t, mp4, "-movflags frag_keyframe+empty_moov+default_base_moof")
	assert.Contains(t, mp4, "-f mp4")
	assert.Contains(t, mp4, "-preset ultrafast")
	assert.Contains(t, mp4, "-tune zerolatency")
	assert.NotContains(t, mp4, "deadline")
}
