package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"storystudio/logging"
	"storystudio/media"
)

const placeholderText = "Scene Media Missing"

var (
	backgroundColor   = color.RGBA{A: 0xff}
	placeholderFill   = color.RGBA{R: 0x22, G: 0x22, B: 0x22, A: 0xff}
	placeholderInk    = color.RGBA{R: 0x66, G: 0x66, B: 0x66, A: 0xff}
	subtitleInk       = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	subtitleShadowInk = color.RGBA{A: 204}
)

// Compositor draws scenes onto the export surface
type Compositor struct {
	surface         *media.Surface
	subtitleFace    font.Face
	placeholderFace font.Face
	maxChars        int
	logger          *slog.Logger
}

// NewCompositor prepares fonts for a surface
func NewCompositor(surface *media.Surface, maxChars int, logger *slog.Logger) (*Compositor, error) {
	subtitle, err := newFace(goregular.TTF, 24)
	if err != nil {
		return nil, err
	}
	placeholder, err := newFace(gobold.TTF, 30)
	if err != nil {
		return nil, err
	}
	return &Compositor{
		surface:         surface,
		subtitleFace:    subtitle,
		placeholderFace: placeholder,
		maxChars:        maxChars,
		logger:          logging.WithComponent(logger, "compositor"),
	}, nil
}

func newFace(ttf []byte, size float64) (font.Face, error) {
	f, err := opentype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	return face, nil
}

// SceneRender reports how a scene's frame loop ended
type SceneRender struct {
	Elapsed       time.Duration
	VisualSkipped bool
	VideoEnded    bool
}

// RenderScene redraws the scene once per clock frame until its duration has
// elapsed or, for a clip that does not loop, until the clip ends. onFrame runs
// after each drawn frame with the frame timestamp.
//
// A surface that is already tainted is not drawn to; the scene still runs for
// its full duration so narration stays in sync.
func (c *Compositor) RenderScene(ctx context.Context, clock media.Clock, a *LoadedSceneAssets, onFrame func(now time.Duration) error) (SceneRender, error) {
	var res SceneRender
	if _, err := c.surface.ReadPixel(0, 0); err != nil {
		if !errors.Is(err, media.ErrTainted) {
			return res, err
		}
		c.logger.Error("surface tainted, skipping scene visual", "scene_id", a.Scene.ID)
		res.VisualSkipped = true
	}

	start := clock.Now()
	now := start
	for {
		res.Elapsed = now - start
		if res.Elapsed >= a.Timeline.Duration {
			return res, nil
		}
		if !res.VisualSkipped {
			c.DrawFrame(a)
		}
		if onFrame != nil {
			if err := onFrame(now); err != nil {
				return res, err
			}
		}
		if a.Video != nil && !a.Timeline.LoopVideo && a.Video.Ended() {
			res.VideoEnded = true
			return res, nil
		}

		var err error
		if now, err = clock.NextFrame(ctx); err != nil {
			res.Elapsed = now - start
			return res, err
		}
	}
}

// DrawFrame paints one frame: black background, the scene visual stretched to
// fill, then the subtitle
func (c *Compositor) DrawFrame(a *LoadedSceneAssets) {
	c.surface.Fill(backgroundColor)

	drawn := false
	if a.Video != nil {
		frame, err := a.Video.CurrentFrame()
		if err != nil {
			c.logger.Warn("video frame unavailable", "scene_id", a.Scene.ID, "error", err)
		}
		if frame != nil {
			c.surface.DrawImage(frame, a.Video.OriginClean())
			drawn = true
		}
	}
	if !drawn && a.Image != nil {
		c.surface.DrawImage(a.Image.Image, a.Image.OriginClean)
		drawn = true
	}
	if !drawn {
		c.drawPlaceholder()
	}

	if a.Scene.Script != "" {
		c.drawSubtitle(TruncateSubtitle(a.Scene.Script, c.maxChars))
	}
}

func (c *Compositor) drawPlaceholder() {
	c.surface.Fill(placeholderFill)
	c.surface.Draw(func(dst *image.RGBA) {
		b := dst.Bounds()
		drawCentered(dst, c.placeholderFace, placeholderText, b.Dx()/2, b.Dy()/2, placeholderInk)
	})
}

func (c *Compositor) drawSubtitle(text string) {
	c.surface.Draw(func(dst *image.RGBA) {
		b := dst.Bounds()
		x, y := b.Dx()/2, b.Dy()-50
		drawCentered(dst, c.subtitleFace, text, x+2, y+2, subtitleShadowInk)
		drawCentered(dst, c.subtitleFace, text, x, y, subtitleInk)
	})
}

// drawCentered draws text horizontally centred on x with its baseline at y
func drawCentered(dst draw.Image, face font.Face, text string, x, y int, ink color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(ink),
		Face: face,
	}
	width := d.MeasureString(text)
	d.Dot = fixed.Point26_6{X: fixed.I(x) - width/2, Y: fixed.I(y)}
	d.DrawString(text)
}

// TruncateSubtitle keeps subtitles to a single line of at most maxChars
// characters plus an ellipsis
func TruncateSubtitle(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars]) + "..."
}
