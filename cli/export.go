package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"storystudio/config"
	"storystudio/logging"
	"storystudio/models"
	"storystudio/services"
	"storystudio/utils"
)

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render a scene list to a video file",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}

	cmd.Flags().String("scenes", "", "Scene list JSON file (array of scenes or {\"scenes\": [...]})")
	cmd.Flags().String("out", "story-export.webm", "Output file; the extension follows the recorded format")
	cmd.Flags().Bool("srt", false, "Also write an SRT subtitle file next to the output")
	cmd.Flags().String("asset-base", "", "Base URL for relative scene media (default: paths relative to the scene file)")
	_ = cmd.MarkFlagRequired("scenes")

	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	scenesPath, _ := cmd.Flags().GetString("scenes")
	outPath, _ := cmd.Flags().GetString("out")
	writeSRT, _ := cmd.Flags().GetBool("srt")
	assetBase, _ := cmd.Flags().GetString("asset-base")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)

	scenes, err := readScenes(scenesPath)
	if err != nil {
		return err
	}
	if assetBase == "" {
		scenes = resolveLocalRefs(scenes, filepath.Dir(scenesPath))
	}

	exporter, err := newExportService(cfg, assetBase, cfg.RelayURL, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := newSpinner(cmd.OutOrStdout())
	result, err := exporter.Export(ctx, scenes, services.ExportOptions{Filename: filepath.Base(outPath)}, func(state services.ExportState, message string) {
		bar.Describe(message)
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return err
	}

	outPath = filepath.Join(filepath.Dir(outPath), result.Filename)
	if err := os.WriteFile(outPath, result.Data, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	size, err := utils.GetFileSize(outPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d bytes, %s)\n", outPath, result.MIMEType, size, result.Duration.Round(time.Millisecond))

	if writeSRT {
		srtPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".srt"
		if err := os.WriteFile(srtPath, []byte(services.BuildSRT(result.Segments)), 0644); err != nil {
			return fmt.Errorf("failed to write subtitles: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", srtPath)
	}
	return nil
}

func newSpinner(w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Starting export..."),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// readScenes accepts either a bare scene array or an export request object
func readScenes(path string) ([]models.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenes: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("scene file is empty")
	}

	if data[0] == '[' {
		var scenes []models.Scene
		if err := json.Unmarshal(data, &scenes); err != nil {
			return nil, fmt.Errorf("failed to parse scenes: %w", err)
		}
		return scenes, nil
	}
	var req models.ExportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse scenes: %w", err)
	}
	return req.Scenes, nil
}

// resolveLocalRefs makes relative file references relative to dir
func resolveLocalRefs(scenes []models.Scene, dir string) []models.Scene {
	resolve := func(ref string) string {
		if ref == "" || filepath.IsAbs(ref) || strings.Contains(ref, ":") {
			return ref
		}
		return filepath.Join(dir, ref)
	}
	out := make([]models.Scene, len(scenes))
	for i, scene := range scenes {
		scene.ImageURI = resolve(scene.ImageURI)
		scene.VideoURI = resolve(scene.VideoURI)
		scene.AudioURI = resolve(scene.AudioURI)
		out[i] = scene
	}
	return out
}
