package services

import (
	"context"
	"fmt"
	"log/slog"

	"storystudio/logging"
	"storystudio/media"
)

// AudioGraph is the shared narration mix of one export run
type AudioGraph struct {
	ctx    *media.AudioContext
	dest   *media.StreamDestination
	logger *slog.Logger
}

// NewAudioGraph opens an audio context, resuming it if the host started it
// suspended, and creates the mix destination
func NewAudioGraph(ctx context.Context, host *media.Host, clock media.Clock, sampleRate, channels int, logger *slog.Logger) (*AudioGraph, error) {
	ac := media.NewAudioContext(host, clock, sampleRate, channels)
	if ac.State() == media.StateSuspended {
		if err := ac.Resume(ctx); err != nil {
			_ = ac.Close()
			return nil, fmt.Errorf("resume audio context: %w", err)
		}
	}
	return &AudioGraph{
		ctx:    ac,
		dest:   ac.CreateMediaStreamDestination(),
		logger: logging.WithComponent(logger, "audio_graph"),
	}, nil
}

// Play schedules buf on a fresh source node starting now
func (g *AudioGraph) Play(buf *media.AudioBuffer) error {
	node, err := g.ctx.CreateBufferSource(buf)
	if err != nil {
		return err
	}
	node.Connect(g.dest)
	if err := node.Start(); err != nil {
		return err
	}
	g.logger.Debug("narration scheduled", "at", g.ctx.CurrentTime(), "duration", buf.Duration())
	return nil
}

// Destination is the stream the recorder captures audio from
func (g *AudioGraph) Destination() *media.StreamDestination {
	return g.dest
}

// Close releases the audio context
func (g *AudioGraph) Close() error {
	return g.ctx.Close()
}
