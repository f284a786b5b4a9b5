package services

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/logging"
	"storystudio/media"
	"storystudio/models"
)

func TestExportWithFFmpegKeepsPace(t *testing.T) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	if testing.Short() {
		t.Skip("encodes in real time")
	}

	env := newTestEnv(t)
	env.cfg.Width, env.cfg.Height = 1280, 720
	env.cfg.SampleRate = 48000
	env.cfg.VideoBitrate = "5M"
	env.cfg.DefaultSceneDuration = 2 * time.Second
	env.files["/a.png"] = pngBytes(t, blue)
	env.files["/b.png"] = pngBytes(t, green)

	a := completed("a", "First")
	a.ImageURI = "/a.png"
	b := completed("b", "Second")
	b.ImageURI = "/b.png"

	fetcher, err := NewAssetFetcher(env.srv.Client(), env.srv.URL, "", logging.Discard())
	require.NoError(t, err)
	svc := NewExportService(env.cfg, env.host, media.NewFFmpegEncoder(ffmpegPath, logging.Discard()), fetcher, env.audio, env.video, logging.Discard())

	start := time.Now()
	result, err := svc.Export(context.Background(), []models.Scene{a, b}, ExportOptions{Filename: "paced"}, nil)
	if errors.Is(err, media.ErrNoSupportedFormat) {
		t.Skip("ffmpeg lacks the recording codecs")
	}
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.NotEmpty(t, result.Data)
	assert.InDelta(t, 4*time.Second, result.Duration, float64(200*time.Millisecond))
	assert.Less(t, elapsed, 2*result.Duration, "export should finish in about its play length")
	env.assertReleased(t)
}
