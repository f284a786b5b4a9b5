package services

import "time"

// DurationSource names the asset that fixed a scene's length
type DurationSource string

const (
	DurationFromAudio   DurationSource = "audio"
	DurationFromVideo   DurationSource = "video"
	DurationFromDefault DurationSource = "default"
)

// SceneTimeline is the resolved pacing of one scene
type SceneTimeline struct {
	Duration time.Duration
	Source   DurationSource
	// LoopVideo is set when narration paces a scene that also has a clip.
	// A clip without narration plays once and its end closes the segment.
	LoopVideo bool
}

// ResolveTimeline picks the scene duration: decoded narration length, then the
// clip's reported length, then fallback.
func ResolveTimeline(a *LoadedSceneAssets, fallback time.Duration) SceneTimeline {
	hasVideo := a.Video != nil

	switch {
	case a.Audio != nil:
		return SceneTimeline{
			Duration:  a.Audio.Duration(),
			Source:    DurationFromAudio,
			LoopVideo: hasVideo,
		}
	case hasVideo && a.Video.Duration() > 0:
		return SceneTimeline{Duration: a.Video.Duration(), Source: DurationFromVideo}
	default:
		return SceneTimeline{Duration: fallback, Source: DurationFromDefault}
	}
}
