package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/logging"
	"storystudio/media"
	"storystudio/media/mediatest"
	"storystudio/models"
)

const (
	testWidth  = 320
	testHeight = 180
	frameStep  = time.Second / 60
)

var (
	blue  = color.RGBA{B: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	red   = color.RGBA{R: 0xff, A: 0xff}
)

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	host    *media.Host
	encoder *mediatest.Encoder
	video   *mediatest.VideoOpener
	audio   *mediatest.AudioDecoder
	files   map[string][]byte
	srv     *httptest.Server
	cfg     ExportConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		host:    media.NewHost(),
		encoder: &mediatest.Encoder{},
		video:   &mediatest.VideoOpener{Width: testWidth, Height: testHeight, Clips: map[string]*mediatest.Clip{}},
		audio:   &mediatest.AudioDecoder{Durations: map[string]time.Duration{}},
		files:   map[string][]byte{},
		cfg: ExportConfig{
			Width:                testWidth,
			Height:               testHeight,
			FPS:                  30,
			RefreshRate:          60,
			SampleRate:           1000,
			Channels:             2,
			VideoBitrate:         "1M",
			DefaultSceneDuration: 5 * time.Second,
			VideoReadyTimeout:    time.Second,
			SubtitleMaxChars:     80,
			WorkDir:              t.TempDir(),
		},
	}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := env.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) addClip(path, key string, clip *mediatest.Clip) {
	e.files[path] = []byte(key)
	e.video.Clips[key] = clip
}

func (e *testEnv) addNarration(path, key string, d time.Duration) {
	e.files[path] = []byte(key)
	e.audio.Durations[key] = d
}

func (e *testEnv) service(t *testing.T) *ExportService {
	t.Helper()
	fetcher, err := NewAssetFetcher(e.srv.Client(), e.srv.URL, "", logging.Discard())
	require.NoError(t, err)
	return NewExportService(e.cfg, e.host, e.encoder, fetcher, e.audio, e.video, logging.Discard())
}

func (e *testEnv) assertReleased(t *testing.T) {
	t.Helper()
	assert.EqualValues(t, 0, e.host.OpenAudioContexts(), "audio contexts left open")
	assert.EqualValues(t, 0, e.host.LiveTracks(), "stream tracks left live")
}

func completed(id, script string) models.Scene {
	return models.Scene{ID: id, Script: script, Status: models.SceneStatusCompleted}
}

// distinct collapses runs of equal values
func distinct(pixels []color.RGBA) []color.RGBA {
	var out []color.RGBA
	for _, p := range pixels {
		if len(out) == 0 || out[len(out)-1] != p {
			out = append(out, p)
		}
	}
	return out
}

func TestExportThreeSceneStory(t *testing.T) {
	env := newTestEnv(t)
	clipA := &mediatest.Clip{Duration: 4 * time.Second, Color: blue}
	env.addClip("/media/a.mp4", "clip-a", clipA)
	env.addNarration("/media/a.mp3", "narration-a", 12*time.Second)
	env.files["/media/b.png"] = pngBytes(t, green)
	env.addNarration("/media/b.mp3", "narration-b", 6500*time.Millisecond)
	env.files["/media/c.png"] = pngBytes(t, red)
	env.audio.Levels = map[string]float32{"narration-a": 0.2, "narration-b": 0.3}

	a := completed("a", "Video with narration")
	a.VideoURI, a.AudioURI = "/media/a.mp4", "/media/a.mp3"
	b := completed("b", "Still with narration")
	b.ImageURI, b.AudioURI = "/media/b.png", "/media/b.mp3"
	c := completed("c", "Still only")
	c.ImageURI = "/media/c.png"
	pending := models.Scene{ID: "pending", ImageURI: "/media/c.png", Status: models.SceneStatusGenerating}
	audioOnly := completed("audio-only", "")
	audioOnly.AudioURI = "/media/b.mp3"

	var messages []string
	result, err := env.service(t).Export(context.Background(),
		[]models.Scene{a, pending, b, audioOnly, c},
		ExportOptions{Filename: "tutorial", Clock: media.NewStepClock(frameStep)},
		func(_ ExportState, msg string) { messages = append(messages, msg) },
	)
	require.NoError(t, err)

	require.Len(t, result.Segments, 3)
	ids := []string{result.Segments[0].SceneID, result.Segments[1].SceneID, result.Segments[2].SceneID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	want := []struct {
		d      time.Duration
		source DurationSource
	}{
		{12 * time.Second, DurationFromAudio},
		{6500 * time.Millisecond, DurationFromAudio},
		{5 * time.Second, DurationFromDefault},
	}
	for i, w := range want {
		seg := result.Segments[i]
		assert.InDelta(t, w.d, seg.Duration(), float64(frameStep), "segment %s", seg.SceneID)
		assert.Equal(t, w.source, seg.Source)
		if i > 0 {
			assert.Equal(t, result.Segments[i-1].End, seg.Start, "segments are contiguous")
		}
	}
	assert.True(t, result.Segments[0].LoopedVideo)
	assert.EqualValues(t, 2, clipA.Rewinds(), "4s clip loops under 12s narration")

	assert.InDelta(t, 23500*time.Millisecond, result.Duration, float64(3*frameStep))

	session := env.encoder.LastSession()
	require.NotNil(t, session)
	assert.True(t, session.Closed())
	assert.InDelta(t, result.Duration, session.VideoDuration(), float64(2*time.Second/30))
	assert.InDelta(t, result.Duration, session.AudioDuration(), float64(frameStep))
	assert.Equal(t, []color.RGBA{blue, green, red}, distinct(session.SamplePixels()))

	// each narration starts within one video frame of its segment
	const videoFrame = time.Second / 30
	levels := []float32{0.2, 0.3, 0}
	for i, seg := range result.Segments {
		assert.Equal(t, levels[i], session.LevelAt(seg.Start+videoFrame), "audio after start of %s", seg.SceneID)
		if i > 0 {
			assert.Equal(t, levels[i-1], session.LevelAt(seg.Start-videoFrame), "audio before start of %s", seg.SceneID)
		}
	}
	for _, c := range session.LevelChanges() {
		assert.Contains(t, levels, c.Level, "narrations never overlap")
	}

	assert.Equal(t, "video/webm;codecs=vp9,opus", result.MIMEType)
	assert.Equal(t, "tutorial.webm", result.Filename)
	assert.True(t, bytes.HasPrefix(result.Data, []byte("[3][6]")))

	assert.Equal(t, []string{
		"Pre-loading media assets...",
		"Loading assets for scene 1/3...",
		"Loading assets for scene 2/3...",
		"Loading assets for scene 3/3...",
		"Starting Render...",
		"Rendering scene 1/3...",
		"Rendering scene 2/3...",
		"Rendering scene 3/3...",
		"Finalizing video...",
		"Export complete",
	}, messages)

	assert.Equal(t, clipA.Opened(), clipA.Closed(), "video decoder released")
	env.assertReleased(t)
}

func TestExportVideoWithoutNarrationPlaysOnce(t *testing.T) {
	env := newTestEnv(t)
	clip := &mediatest.Clip{Duration: 2 * time.Second, Color: blue}
	env.addClip("/v.mp4", "clip", clip)

	scene := completed("v", "")
	scene.VideoURI = "/v.mp4"

	result, err := env.service(t).Export(context.Background(), []models.Scene{scene},
		ExportOptions{Clock: media.NewStepClock(frameStep)}, nil)
	require.NoError(t, err)

	seg := result.Segments[0]
	assert.Equal(t, DurationFromVideo, seg.Source)
	assert.False(t, seg.LoopedVideo)
	assert.InDelta(t, 2*time.Second, seg.Duration(), float64(frameStep))
	assert.EqualValues(t, 0, clip.Rewinds())
}

func TestExportImageFailureDrawsPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	scene := completed("broken", "Narration survives")
	scene.ImageURI = "/missing.png"

	result, err := env.service(t).Export(context.Background(), []models.Scene{scene},
		ExportOptions{Clock: media.NewStepClock(frameStep)}, nil)
	require.NoError(t, err)

	assert.InDelta(t, 5*time.Second, result.Segments[0].Duration(), float64(frameStep))
	pixels := distinct(env.encoder.LastSession().SamplePixels())
	assert.Equal(t, []color.RGBA{placeholderFill}, pixels)
	env.assertReleased(t)
}

func TestExportVideoTimeoutFallsBackToImage(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.VideoReadyTimeout = 50 * time.Millisecond
	env.addClip("/slow.mp4", "slow", &mediatest.Clip{Duration: time.Second, Color: blue, Delay: 5 * time.Second})
	env.files["/still.png"] = pngBytes(t, green)

	scene := completed("slow", "")
	scene.VideoURI, scene.ImageURI = "/slow.mp4", "/still.png"

	result, err := env.service(t).Export(context.Background(), []models.Scene{scene},
		ExportOptions{Clock: media.NewStepClock(frameStep)}, nil)
	require.NoError(t, err)

	assert.Equal(t, DurationFromDefault, result.Segments[0].Source)
	assert.Equal(t, []color.RGBA{green}, distinct(env.encoder.LastSession().SamplePixels()))
}

func TestExportNothingToExport(t *testing.T) {
	env := newTestEnv(t)
	noVisual := completed("a", "audio only")
	noVisual.AudioURI = "/a.mp3"
	draft := models.Scene{ID: "b", ImageURI: "/b.png", Status: models.SceneStatusIdle}

	result, err := env.service(t).Export(context.Background(), []models.Scene{noVisual, draft}, ExportOptions{}, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNothingToExport)

	var exportErr *ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, KindNothingToExport, exportErr.Kind)
	assert.Equal(t, "No completed scenes to export.", exportErr.Error())
	assert.Nil(t, env.encoder.LastSession())
	env.assertReleased(t)
}

func TestExportPreconditionFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*testEnv)
		kind      ErrorKind
		sentinel  error
	}{
		{
			name:      "no drawing context",
			configure: func(e *testEnv) { e.cfg.Width = 0 },
			kind:      KindContextUnavailable,
			sentinel:  media.ErrContextUnavailable,
		},
		{
			name:      "no supported format",
			configure: func(e *testEnv) { e.encoder.Supported = map[string]bool{} },
			kind:      KindNoSupportedFormat,
			sentinel:  media.ErrNoSupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.configure(env)
			env.files["/a.png"] = pngBytes(t, red)
			scene := completed("a", "")
			scene.ImageURI = "/a.png"

			_, err := env.service(t).Export(context.Background(), []models.Scene{scene}, ExportOptions{}, nil)
			var exportErr *ExportError
			require.True(t, errors.As(err, &exportErr))
			assert.Equal(t, tt.kind, exportErr.Kind)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Nil(t, env.encoder.LastSession())
			env.assertReleased(t)
		})
	}
}

func TestExportFallsBackToSupportedCodec(t *testing.T) {
	env := newTestEnv(t)
	env.encoder.Supported = map[string]bool{"video/mp4": true}
	env.files["/a.png"] = pngBytes(t, red)
	scene := completed("a", "")
	scene.ImageURI = "/a.png"

	result, err := env.service(t).Export(context.Background(), []models.Scene{scene},
		ExportOptions{Filename: "story.webm", Clock: media.NewStepClock(frameStep)}, nil)
	require.NoError(t, err)

	assert.Equal(t, "video/mp4", result.MIMEType)
	assert.Equal(t, "story.mp4", result.Filename)
	assert.Equal(t, "video/mp4", env.encoder.LastSession().Format.MIMEType)
}

func TestExportMidRunFailureReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	env.encoder.FailAfterFrames = 10
	clip := &mediatest.Clip{Duration: 4 * time.Second, Color: blue}
	env.addClip("/a.mp4", "clip", clip)
	env.addNarration("/a.mp3", "narration", 3*time.Second)
	scene := completed("a", "")
	scene.VideoURI, scene.AudioURI = "/a.mp4", "/a.mp3"

	var states []ExportState
	_, err := env.service(t).Export(context.Background(), []models.Scene{scene},
		ExportOptions{Clock: media.NewStepClock(frameStep)},
		func(state ExportState, _ string) { states = append(states, state) },
	)

	var exportErr *ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, KindInternal, exportErr.Kind)
	assert.Contains(t, exportErr.Error(), "encoder failed")
	assert.Equal(t, StateFailed, states[len(states)-1])

	assert.True(t, env.encoder.LastSession().Aborted())
	assert.Equal(t, clip.Opened(), clip.Closed())
	env.assertReleased(t)
}

func TestExportCanceledAtSceneBoundary(t *testing.T) {
	env := newTestEnv(t)
	env.files["/a.png"] = pngBytes(t, red)
	a := completed("a", "")
	a.ImageURI = "/a.png"
	b := completed("b", "")
	b.ImageURI = "/a.png"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.service(t).Export(ctx, []models.Scene{a, b},
		ExportOptions{Clock: media.NewStepClock(frameStep)},
		func(_ ExportState, msg string) {
			if msg == "Rendering scene 1/2..." {
				cancel()
			}
		},
	)

	var exportErr *ExportError
	require.True(t, errors.As(err, &exportErr))
	assert.Equal(t, KindCanceled, exportErr.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	env.assertReleased(t)
}

func TestExportRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	env.files["/a.png"] = pngBytes(t, red)
	scene := completed("a", "")
	scene.ImageURI = "/a.png"
	svc := env.service(t)

	var once sync.Once
	var nestedErr error
	_, err := svc.Export(context.Background(), []models.Scene{scene},
		ExportOptions{Clock: media.NewStepClock(frameStep)},
		func(ExportState, string) {
			once.Do(func() {
				assert.True(t, svc.Busy())
				_, nestedErr = svc.Export(context.Background(), []models.Scene{scene}, ExportOptions{}, nil)
			})
		},
	)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrExportInProgress)
	assert.False(t, svc.Busy())
}

func TestExportTaintedSurfaceSkipsLaterVisuals(t *testing.T) {
	env := newTestEnv(t)
	thirdParty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(t, blue))
	}))
	defer thirdParty.Close()
	env.files["/local.png"] = pngBytes(t, green)

	a := completed("a", "")
	a.ImageURI = thirdParty.URL + "/remote.png"
	b := completed("b", "")
	b.ImageURI = "/local.png"
	b.Script = "still narrated"

	result, err := env.service(t).Export(context.Background(), []models.Scene{a, b},
		ExportOptions{Clock: media.NewStepClock(frameStep)}, nil)
	require.NoError(t, err)

	assert.False(t, result.Segments[0].VisualSkipped)
	assert.True(t, result.Segments[1].VisualSkipped)
	assert.InDelta(t, 5*time.Second, result.Segments[1].Duration(), float64(frameStep))
	assert.Equal(t, []color.RGBA{blue}, distinct(env.encoder.LastSession().SamplePixels()))
}

func TestExportFilename(t *testing.T) {
	webm := media.PreferredFormats[0]
	assert.Equal(t, "story-export.webm", exportFilename("", webm))
	assert.Equal(t, "lesson.webm", exportFilename("lesson", webm))
	assert.Equal(t, "lesson.webm", exportFilename("../../lesson.mp4", webm))
	assert.True(t, strings.HasSuffix(exportFilename("a.b.c", media.PreferredFormats[3]), ".mp4"))
}
