package media

import (
	"errors"
	"image"
	"io"
	"sync"
	"time"
)

// FrameDecoder yields the frames of one clip in presentation order
type FrameDecoder interface {
	// FrameAt returns the frame shown at pos. Positions must not go backwards
	// without a Rewind. Past the last frame it returns the last frame and io.EOF.
	FrameAt(pos time.Duration) (image.Image, error)
	Rewind() error
	Close() error
}

// VideoElement is a muted playback handle over a decoded clip. Its position
// advances with the clock while playing.
type VideoElement struct {
	mu          sync.Mutex
	decoder     FrameDecoder
	clock       Clock
	duration    time.Duration
	originClean bool

	loop      bool
	playing   bool
	playStart time.Duration
	position  time.Duration
	lastPos   time.Duration
	ended     bool
	last      image.Image
	closed    bool
}

// NewVideoElement wraps a ready decoder. A zero duration means unknown.
func NewVideoElement(decoder FrameDecoder, duration time.Duration, clock Clock, originClean bool) *VideoElement {
	return &VideoElement{
		decoder:     decoder,
		clock:       clock,
		duration:    duration,
		originClean: originClean,
	}
}

// Duration is the container clip length, or the observed one once a looping clip
// of unknown length has reached its end. Zero means unknown.
func (v *VideoElement) Duration() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration
}

func (v *VideoElement) OriginClean() bool { return v.originClean }
func (v *VideoElement) Muted() bool       { return true }

func (v *VideoElement) SetLoop(loop bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loop = loop
}

func (v *VideoElement) Loop() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loop
}

// Seek moves the playback position
func (v *VideoElement) Seek(pos time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pos < v.lastPos {
		if err := v.decoder.Rewind(); err != nil {
			return err
		}
	}
	v.position = pos
	v.lastPos = pos
	v.ended = false
	if v.playing {
		v.playStart = v.clock.Now() - pos
	}
	return nil
}

// Play starts advancing from the current position
func (v *VideoElement) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("media: video element is closed")
	}
	if v.ended {
		v.position = 0
		v.ended = false
	}
	v.playing = true
	v.playStart = v.clock.Now() - v.position
	return nil
}

// Pause freezes the position
func (v *VideoElement) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playing {
		v.position = v.clock.Now() - v.playStart
		v.playing = false
	}
}

// Ended reports whether a non-looping clip has played to its end
func (v *VideoElement) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return true
	}
	return !v.loop && v.duration > 0 && v.currentLocked() >= v.duration
}

func (v *VideoElement) currentLocked() time.Duration {
	if v.playing {
		return v.clock.Now() - v.playStart
	}
	return v.position
}

// CurrentFrame returns the frame at the current playback position
func (v *VideoElement) CurrentFrame() (image.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.last, nil
	}

	pos := v.currentLocked()
	if v.duration > 0 {
		if v.loop {
			pos %= v.duration
		} else if pos >= v.duration {
			v.ended = true
			if v.last != nil {
				return v.last, nil
			}
			pos = v.duration - 1
		}
	}

	if pos < v.lastPos {
		if err := v.decoder.Rewind(); err != nil {
			return v.last, err
		}
	}
	v.lastPos = pos

	frame, err := v.decoder.FrameAt(pos)
	if frame != nil {
		v.last = frame
	}
	if errors.Is(err, io.EOF) {
		if !v.loop {
			v.ended = true
			return v.last, nil
		}
		return v.wrapLocked(pos)
	}
	if err != nil {
		return v.last, err
	}
	return v.last, nil
}

// wrapLocked restarts a looping clip whose decoder ran out at pos. The
// observed length replaces a missing or overlong container duration.
func (v *VideoElement) wrapLocked(pos time.Duration) (image.Image, error) {
	if pos <= 0 {
		return v.last, nil
	}
	if v.duration == 0 || pos < v.duration {
		v.duration = pos
	}
	if err := v.decoder.Rewind(); err != nil {
		return v.last, err
	}
	v.lastPos = 0
	if v.playing {
		v.playStart = v.clock.Now()
	} else {
		v.position = 0
	}

	frame, err := v.decoder.FrameAt(0)
	if frame != nil {
		v.last = frame
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return v.last, err
	}
	return v.last, nil
}

// Close pauses playback and stops the decoder
func (v *VideoElement) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.playing = false
	return v.decoder.Close()
}
