package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrContextClosed  = errors.New("media: audio context is closed")
	ErrNodeStarted    = errors.New("media: buffer source node can only be started once")
	ErrFormatMismatch = errors.New("media: audio buffer sample rate does not match context")
)

// AudioBuffer holds decoded interleaved float32 PCM
type AudioBuffer struct {
	SampleRate int
	Channels   int
	Data       []float32
}

// Frames returns the number of sample frames (samples per channel)
func (b *AudioBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// Duration is the exact decoded play length
func (b *AudioBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}

// ContextState is the lifecycle state of an AudioContext
type ContextState string

const (
	StateSuspended ContextState = "suspended"
	StateRunning   ContextState = "running"
	StateClosed    ContextState = "closed"
)

// AudioContext is a mixing graph whose time advances with the clock while running
type AudioContext struct {
	mu         sync.Mutex
	host       *Host
	clock      Clock
	sampleRate int
	channels   int
	state      ContextState

	// context time accumulated before the last resume, and the clock reading
	// at that resume
	base      time.Duration
	resumedAt time.Duration
}

// NewAudioContext opens a context on the host. It starts suspended when the
// host enforces an autoplay policy.
func NewAudioContext(host *Host, clock Clock, sampleRate, channels int) *AudioContext {
	c := &AudioContext{
		host:       host,
		clock:      clock,
		sampleRate: sampleRate,
		channels:   channels,
		state:      StateRunning,
		resumedAt:  clock.Now(),
	}
	if host.AutoplaySuspended {
		c.state = StateSuspended
	}
	host.openContexts.Add(1)
	return c
}

func (c *AudioContext) SampleRate() int { return c.sampleRate }
func (c *AudioContext) Channels() int   { return c.channels }

func (c *AudioContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume starts the context clock if it is suspended
func (c *AudioContext) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrContextClosed
	case StateSuspended:
		c.state = StateRunning
		c.resumedAt = c.clock.Now()
	}
	return nil
}

// Close releases the context. Closing twice is a no-op.
func (c *AudioContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.base = c.timeAtLocked(c.clock.Now())
	c.state = StateClosed
	c.host.openContexts.Add(-1)
	return nil
}

// CurrentTime is the context time of the current clock reading
func (c *AudioContext) CurrentTime() time.Duration {
	return c.TimeAt(c.clock.Now())
}

// TimeAt converts a clock reading to context time
func (c *AudioContext) TimeAt(clockTime time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeAtLocked(clockTime)
}

func (c *AudioContext) timeAtLocked(clockTime time.Duration) time.Duration {
	if c.state != StateRunning {
		return c.base
	}
	if clockTime < c.resumedAt {
		return c.base
	}
	return c.base + clockTime - c.resumedAt
}

func (c *AudioContext) frameAt(t time.Duration) int64 {
	return int64(t) * int64(c.sampleRate) / int64(time.Second)
}

// CreateBufferSource creates a single-use playback node for buf
func (c *AudioContext) CreateBufferSource(buf *AudioBuffer) (*BufferSourceNode, error) {
	if c.State() == StateClosed {
		return nil, ErrContextClosed
	}
	if buf.SampleRate != c.sampleRate {
		return nil, fmt.Errorf("%w: %d != %d", ErrFormatMismatch, buf.SampleRate, c.sampleRate)
	}
	return &BufferSourceNode{ctx: c, buffer: buf}, nil
}

// CreateMediaStreamDestination creates a mix sink exposed as an audio track
func (c *AudioContext) CreateMediaStreamDestination() *StreamDestination {
	return &StreamDestination{ctx: c, track: c.host.NewTrack(TrackAudio)}
}

// BufferSourceNode plays one buffer once
type BufferSourceNode struct {
	ctx        *AudioContext
	buffer     *AudioBuffer
	dest       *StreamDestination
	started    bool
	startFrame int64
}

// Connect routes the node into a destination
func (n *BufferSourceNode) Connect(dest *StreamDestination) {
	n.dest = dest
}

// Start schedules playback at the context's current time
func (n *BufferSourceNode) Start() error {
	if n.started {
		return ErrNodeStarted
	}
	if n.ctx.State() == StateClosed {
		return ErrContextClosed
	}
	n.started = true
	n.startFrame = n.ctx.frameAt(n.ctx.CurrentTime())
	if n.dest != nil {
		n.dest.add(n)
	}
	return nil
}

// StreamDestination mixes every started node connected to it. Its output is
// pulled in order by the recorder.
type StreamDestination struct {
	ctx    *AudioContext
	track  *Track
	mu     sync.Mutex
	nodes  []*BufferSourceNode
	cursor int64
}

func (d *StreamDestination) Track() *Track {
	return d.track
}

func (d *StreamDestination) add(n *BufferSourceNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = append(d.nodes, n)
}

// ReadUntil renders the mix from where the previous read stopped up to the
// given clock reading, as interleaved samples.
func (d *StreamDestination) ReadUntil(clockTime time.Duration) []float32 {
	end := d.ctx.frameAt(d.ctx.TimeAt(clockTime))

	d.mu.Lock()
	defer d.mu.Unlock()

	if end <= d.cursor {
		return nil
	}
	channels := d.ctx.channels
	out := make([]float32, int(end-d.cursor)*channels)

	live := d.nodes[:0]
	for _, n := range d.nodes {
		mixInto(out, d.cursor, end, channels, n)
		if n.startFrame+int64(n.buffer.Frames()) > end {
			live = append(live, n)
		}
	}
	d.nodes = live
	d.cursor = end

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	return out
}

func mixInto(out []float32, from, to int64, channels int, n *BufferSourceNode) {
	buf := n.buffer
	first := max(from, n.startFrame)
	last := min(to, n.startFrame+int64(buf.Frames()))
	for f := first; f < last; f++ {
		src := int(f-n.startFrame) * buf.Channels
		dst := int(f-from) * channels
		for ch := 0; ch < channels; ch++ {
			out[dst+ch] += buf.Data[src+ch%buf.Channels]
		}
	}
}
