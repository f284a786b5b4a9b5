package media

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"
)

var (
	// ErrTainted is returned when reading pixels from a surface that had
	// cross-origin content drawn to it.
	ErrTainted = errors.New("media: surface is tainted by cross-origin content")

	// ErrContextUnavailable is returned when a drawing surface cannot be created
	ErrContextUnavailable = errors.New("media: could not create drawing context")
)

// Surface is a fixed-size opaque pixel buffer with a persistent drawing context
type Surface struct {
	mu      sync.RWMutex
	img     *image.RGBA
	tainted bool
}

// NewSurface allocates a width x height surface cleared to opaque black
func NewSurface(width, height int) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrContextUnavailable
	}
	s := &Surface{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	s.Fill(color.RGBA{A: 0xff})
	return s, nil
}

func (s *Surface) Bounds() image.Rectangle {
	return s.img.Bounds()
}

// Fill paints the whole surface with c
func (s *Surface) Fill(c color.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// DrawImage stretches src over the full surface. Pixels from a source that is
// not origin-clean taint the surface permanently.
func (s *Surface) DrawImage(src image.Image, originClean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !originClean {
		s.tainted = true
	}

	dst := s.img.Bounds()
	if src.Bounds() == dst {
		draw.Draw(s.img, dst, src, dst.Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(s.img, dst, src, src.Bounds(), draw.Src, nil)
}

// Draw runs fn with exclusive access to the pixel buffer
func (s *Surface) Draw(fn func(dst *image.RGBA)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.img)
}

// ReadPixel reads one pixel back. It fails with ErrTainted on a tainted surface.
func (s *Surface) ReadPixel(x, y int) (color.RGBA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tainted {
		return color.RGBA{}, ErrTainted
	}
	return s.img.RGBAAt(x, y), nil
}

func (s *Surface) Tainted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tainted
}

// CopyTo copies the current pixels into dst, which must match the surface size
func (s *Surface) CopyTo(dst *image.RGBA) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copy(dst.Pix, s.img.Pix)
}
