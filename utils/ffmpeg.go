package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpegOutput executes an FFmpeg command and returns its stdout
func FFmpegOutput(ctx context.Context, ffmpegPath string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, stderr: %s", err, TailString(stderr.String(), 2048))
	}

	return stdout.Bytes(), nil
}

var probeArgs = ffmpeg.KwArgs{
	"v":            "error",
	"show_format":  "",
	"show_streams": "",
	"of":           "json",
}

// ProbeDuration returns the duration of a media file, or 0 when the
// container does not record one. A custom ffprobe binary is run directly with
// the same arguments ffmpeg-go uses.
func ProbeDuration(ctx context.Context, ffprobePath, mediaPath string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var out []byte
	if ffprobePath == "" || ffprobePath == "ffprobe" {
		var timeout time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		res, err := ffmpeg.ProbeWithTimeout(mediaPath, timeout, ffmpeg.KwArgs{"v": "error"})
		if err != nil {
			return 0, fmt.Errorf("ffprobe error: %w", err)
		}
		out = []byte(res)
	} else {
		args := append(ffmpeg.ConvertKwargsToCmdLineArgs(probeArgs), mediaPath)
		res, err := exec.CommandContext(ctx, ffprobePath, args...).Output()
		if err != nil {
			return 0, fmt.Errorf("ffprobe error: %w", err)
		}
		out = res
	}

	return ParseProbeDuration(out)
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		Duration string `json:"duration"`
	} `json:"streams"`
}

// ParseProbeDuration reads the duration from ffprobe JSON output. It falls
// back to the longest stream when the format has none.
func ParseProbeDuration(out []byte) (time.Duration, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	d, err := parseSeconds(probe.Format.Duration)
	if err != nil || d > 0 {
		return d, err
	}
	for _, st := range probe.Streams {
		sd, err := parseSeconds(st.Duration)
		if err != nil {
			return 0, err
		}
		d = max(d, sd)
	}
	return d, nil
}

func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ListEncoders returns the encoder names compiled into the FFmpeg binary
func ListEncoders(ctx context.Context, ffmpegPath string) (map[string]bool, error) {
	out, err := FFmpegOutput(ctx, ffmpegPath, []string{"-hide_banner", "-encoders"})
	if err != nil {
		return nil, err
	}
	return ParseEncoderList(out), nil
}

// ParseEncoderList parses `ffmpeg -encoders` output. Entries follow the
// "------" separator as "<flags> <name> <description>".
func ParseEncoderList(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	inList := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		encoders[fields[1]] = true
	}

	return encoders
}

// TailString keeps the last n bytes of s
func TailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
