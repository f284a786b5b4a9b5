// Package media provides the rendering platform an export runs on: a drawing
// surface, an audio graph, video elements fed by decoders, a frame clock, and
// stream encoders. It plays the part a browser plays for canvas capture.
package media

import "sync/atomic"

// Host accounts for platform resources that must be released explicitly:
// open audio contexts and live stream tracks.
type Host struct {
	// AutoplaySuspended makes new audio contexts start suspended, the way
	// autoplay policies do.
	AutoplaySuspended bool

	openContexts atomic.Int64
	liveTracks   atomic.Int64
}

// NewHost creates a host with no resources acquired
func NewHost() *Host {
	return &Host{}
}

// OpenAudioContexts returns how many audio contexts have not been closed
func (h *Host) OpenAudioContexts() int64 {
	return h.openContexts.Load()
}

// LiveTracks returns how many stream tracks have not been stopped
func (h *Host) LiveTracks() int64 {
	return h.liveTracks.Load()
}

// TrackKind is the media type carried by a track
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Track is one real-time stream of a capture
type Track struct {
	kind    TrackKind
	host    *Host
	stopped atomic.Bool
}

// NewTrack registers a live track on the host
func (h *Host) NewTrack(kind TrackKind) *Track {
	h.liveTracks.Add(1)
	return &Track{kind: kind, host: h}
}

func (t *Track) Kind() TrackKind {
	return t.kind
}

func (t *Track) Live() bool {
	return !t.stopped.Load()
}

// Stop ends the track. Stopping twice is a no-op.
func (t *Track) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.host.liveTracks.Add(-1)
	}
}
