package services

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Image decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"storystudio/logging"
	"storystudio/media"
	"storystudio/models"
)

// ImageAsset is a decoded still
type ImageAsset struct {
	Image       image.Image
	OriginClean bool
}

// LoadedSceneAssets holds the ready media of one eligible scene. Any of the
// three handles may be nil when its load failed.
type LoadedSceneAssets struct {
	Scene    models.Scene
	Audio    *media.AudioBuffer
	Video    *media.VideoElement
	Image    *ImageAsset
	Timeline SceneTimeline

	mu       sync.Mutex
	files    []string
	disposed bool
}

func (a *LoadedSceneAssets) track(asset *FetchedAsset) {
	if asset == nil || !asset.Temp {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, asset.Path)
}

// Dispose stops the video decoder and removes downloaded files. It is safe to
// call more than once.
func (a *LoadedSceneAssets) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil
	}
	a.disposed = true

	var firstErr error
	if a.Video != nil {
		a.Video.Pause()
		if err := a.Video.Close(); err != nil {
			firstErr = err
		}
	}
	for _, path := range a.files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	a.files = nil
	a.Image = nil
	a.Audio = nil
	return firstErr
}

// LoaderOptions configures decoding for one export run
type LoaderOptions struct {
	SampleRate        int
	Channels          int
	VideoReadyTimeout time.Duration
	DefaultDuration   time.Duration
}

// AssetLoader fetches and decodes scene media for one export run
type AssetLoader struct {
	fetcher *AssetFetcher
	audio   media.AudioDecoder
	video   media.VideoOpener
	clock   media.Clock
	opts    LoaderOptions
	logger  *slog.Logger
}

func NewAssetLoader(fetcher *AssetFetcher, audio media.AudioDecoder, video media.VideoOpener, clock media.Clock, opts LoaderOptions, logger *slog.Logger) *AssetLoader {
	return &AssetLoader{
		fetcher: fetcher,
		audio:   audio,
		video:   video,
		clock:   clock,
		opts:    opts,
		logger:  logging.WithComponent(logger, "asset_loader"),
	}
}

// LoadAll loads every scene in order, one scene at a time. Asset failures are
// absorbed; only cancellation is returned as an error, after disposing what was
// already loaded.
func (l *AssetLoader) LoadAll(ctx context.Context, scenes []models.Scene, dir string, progress func(string)) ([]*LoadedSceneAssets, error) {
	loaded := make([]*LoadedSceneAssets, 0, len(scenes))
	for i, scene := range scenes {
		if err := ctx.Err(); err != nil {
			for _, a := range loaded {
				_ = a.Dispose()
			}
			return nil, err
		}
		if progress != nil {
			progress(fmt.Sprintf("Loading assets for scene %d/%d...", i+1, len(scenes)))
		}
		loaded = append(loaded, l.LoadScene(ctx, scene, filepath.Join(dir, fmt.Sprintf("scene-%03d", i+1))))
	}
	return loaded, nil
}

// LoadScene loads the audio, video and image of one scene concurrently and
// resolves its timeline
func (l *AssetLoader) LoadScene(ctx context.Context, scene models.Scene, dir string) *LoadedSceneAssets {
	logger := logging.WithSceneID(l.logger, scene.ID)
	assets := &LoadedSceneAssets{Scene: scene}

	g, gctx := errgroup.WithContext(ctx)
	if scene.AudioURI != "" {
		g.Go(func() error {
			buf, err := l.loadAudio(gctx, assets, scene.AudioURI, dir)
			if err != nil {
				logger.Warn("failed to load audio", "uri", logging.SanitizeURL(scene.AudioURI), "error", err)
				return nil
			}
			assets.Audio = buf
			return nil
		})
	}
	if scene.VideoURI != "" {
		g.Go(func() error {
			video, ok := awaitReady(gctx, l.opts.VideoReadyTimeout,
				func(ctx context.Context) (*media.VideoElement, error) {
					return l.loadVideo(ctx, assets, scene.VideoURI, dir)
				},
				func(v *media.VideoElement) { _ = v.Close() },
			)
			if !ok {
				logger.Warn("video not ready, falling back", "uri", logging.SanitizeURL(scene.VideoURI), "timeout", l.opts.VideoReadyTimeout)
				return nil
			}
			assets.Video = video
			return nil
		})
	}
	if scene.ImageURI != "" {
		g.Go(func() error {
			img, err := l.loadImage(gctx, assets, scene.ImageURI, dir)
			if err != nil {
				logger.Warn("failed to load image", "uri", logging.SanitizeURL(scene.ImageURI), "error", err)
				return nil
			}
			assets.Image = img
			return nil
		})
	}
	_ = g.Wait()

	assets.Timeline = ResolveTimeline(assets, l.opts.DefaultDuration)
	logger.Debug("scene assets loaded",
		"audio", assets.Audio != nil,
		"video", assets.Video != nil,
		"image", assets.Image != nil,
		"duration", assets.Timeline.Duration,
		"source", assets.Timeline.Source,
	)
	return assets
}

func (l *AssetLoader) loadAudio(ctx context.Context, assets *LoadedSceneAssets, ref, dir string) (*media.AudioBuffer, error) {
	fetched, err := l.fetcher.Fetch(ctx, ref, dir, "audio")
	if err != nil {
		return nil, err
	}
	assets.track(fetched)
	return l.audio.DecodeAudio(ctx, fetched.Path, l.opts.SampleRate, l.opts.Channels)
}

func (l *AssetLoader) loadVideo(ctx context.Context, assets *LoadedSceneAssets, ref, dir string) (*media.VideoElement, error) {
	fetched, err := l.fetcher.Fetch(ctx, ref, dir, "video")
	if err != nil {
		return nil, err
	}
	assets.track(fetched)
	decoder, duration, err := l.video.OpenVideo(ctx, fetched.Path)
	if err != nil {
		return nil, err
	}
	return media.NewVideoElement(decoder, duration, l.clock, fetched.OriginClean), nil
}

func (l *AssetLoader) loadImage(ctx context.Context, assets *LoadedSceneAssets, ref, dir string) (*ImageAsset, error) {
	fetched, err := l.fetcher.Fetch(ctx, ref, dir, "image")
	if err != nil {
		return nil, err
	}
	assets.track(fetched)

	f, err := os.Open(fetched.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return &ImageAsset{Image: img, OriginClean: fetched.OriginClean}, nil
}

// awaitReady races load against timeout. It reports false on error or
// timeout; a result that arrives after the deadline is handed to discard.
func awaitReady[T any](ctx context.Context, timeout time.Duration, load func(context.Context) (T, error), discard func(T)) (T, bool) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := load(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, false
		}
		return r.val, true
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil && discard != nil {
				discard(r.val)
			}
		}()
		return zero, false
	}
}
