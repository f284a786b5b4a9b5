package media

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestNewSurfaceRejectsEmptySize(t *testing.T) {
	_, err := NewSurface(0, 720)
	assert.ErrorIs(t, err, ErrContextUnavailable)
}

func TestNewSurfaceStartsBlack(t *testing.T) {
	s, err := NewSurface(4, 4)
	require.NoError(t, err)

	px, err := s.ReadPixel(2, 2)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{A: 0xff}, px)
}

func TestDrawImageStretchesToFill(t *testing.T) {
	s, err := NewSurface(8, 6)
	require.NoError(t, err)

	red := color.RGBA{R: 0xff, A: 0xff}
	s.DrawImage(solid(2, 2, red), true)

	for _, p := range []image.Point{{0, 0}, {7, 5}, {4, 3}} {
		px, err := s.ReadPixel(p.X, p.Y)
		require.NoError(t, err)
		assert.Equal(t, red, px, "pixel %v", p)
	}
	assert.False(t, s.Tainted())
}

func TestDrawImageFromUncleanSourceTaints(t *testing.T) {
	s, err := NewSurface(4, 4)
	require.NoError(t, err)

	s.DrawImage(solid(4, 4, color.RGBA{G: 0xff, A: 0xff}), false)

	_, err = s.ReadPixel(0, 0)
	assert.ErrorIs(t, err, ErrTainted)
	assert.True(t, s.Tainted())

	s.Fill(color.RGBA{A: 0xff})
	assert.True(t, s.Tainted(), "taint is permanent")
}

func TestCopyTo(t *testing.T) {
	s, err := NewSurface(2, 2)
	require.NoError(t, err)
	blue := color.RGBA{B: 0xff, A: 0xff}
	s.Fill(blue)

	dst := image.NewRGBA(s.Bounds())
	s.CopyTo(dst)
	assert.Equal(t, blue, dst.RGBAAt(1, 1))
}
