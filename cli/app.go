package cli

import (
	"log/slog"
	"net/http"
	"time"

	"storystudio/config"
	"storystudio/media"
	"storystudio/services"
)

// newExportService wires the ffmpeg-backed platform into an export service.
// An empty assetBaseURL resolves relative scene references as local paths.
func newExportService(cfg *config.Config, assetBaseURL, relayURL string, logger *slog.Logger) (*services.ExportService, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	fetcher, err := services.NewAssetFetcher(client, assetBaseURL, relayURL, logger)
	if err != nil {
		return nil, err
	}

	exportCfg := services.ExportConfig{
		Width:                cfg.ExportWidth,
		Height:               cfg.ExportHeight,
		FPS:                  cfg.ExportFPS,
		RefreshRate:          cfg.ExportRefreshRate,
		SampleRate:           cfg.ExportSampleRate,
		Channels:             2,
		VideoBitrate:         cfg.ExportVideoBitrate,
		DefaultSceneDuration: cfg.DefaultSceneDuration,
		VideoReadyTimeout:    cfg.VideoReadyTimeout,
		SubtitleMaxChars:     cfg.SubtitleMaxChars,
		WorkDir:              cfg.TempDir,
	}
	video := &media.FFmpegVideoOpener{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Width:       cfg.ExportWidth,
		Height:      cfg.ExportHeight,
		FPS:         cfg.ExportFPS,
	}

	return services.NewExportService(
		exportCfg,
		media.NewHost(),
		media.NewFFmpegEncoder(cfg.FFmpegPath, logger),
		fetcher,
		media.NewFFmpegAudioDecoder(cfg.FFmpegPath),
		video,
		logger,
	), nil
}
