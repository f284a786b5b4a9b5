package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	TempDir     string
	LogLevel    string
	CORSOrigins []string
	DatabaseURL string

	// Asset resolution
	AssetBaseURL      string
	RelayURL          string
	RelayAllowedHosts []string

	// Tooling
	FFmpegPath  string
	FFprobePath string

	// Export Settings
	ExportWidth          int
	ExportHeight         int
	ExportFPS            int
	ExportRefreshRate    int
	ExportSampleRate     int
	ExportVideoBitrate   string
	DefaultSceneDuration time.Duration
	VideoReadyTimeout    time.Duration
	SubtitleMaxChars     int

	// Retention
	ExportRetention time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		TempDir:     getEnv("TEMP_DIR", "./temp"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: parseList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		AssetBaseURL:      getEnv("ASSET_BASE_URL", ""),
		RelayURL:          getEnv("RELAY_URL", ""),
		RelayAllowedHosts: parseList(getEnv("RELAY_ALLOWED_HOSTS", "")),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		// Export settings
		ExportWidth:          getEnvAsInt("EXPORT_WIDTH", 1280),
		ExportHeight:         getEnvAsInt("EXPORT_HEIGHT", 720),
		ExportFPS:            getEnvAsInt("EXPORT_FPS", 30),
		ExportRefreshRate:    getEnvAsInt("EXPORT_REFRESH_RATE", 60),
		ExportSampleRate:     getEnvAsInt("EXPORT_SAMPLE_RATE", 48000),
		ExportVideoBitrate:   getEnv("EXPORT_VIDEO_BITRATE", "5M"),
		DefaultSceneDuration: time.Duration(getEnvAsInt("DEFAULT_SCENE_DURATION_MS", 5000)) * time.Millisecond,
		VideoReadyTimeout:    time.Duration(getEnvAsFloat("VIDEO_READY_TIMEOUT_SECONDS", 10) * float64(time.Second)),
		SubtitleMaxChars:     getEnvAsInt("SUBTITLE_MAX_CHARS", 80),

		ExportRetention: time.Duration(getEnvAsInt("EXPORT_RETENTION_MINUTES", 60)) * time.Minute,
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.ExportWidth <= 0 || c.ExportHeight <= 0 {
		return errors.New("EXPORT_WIDTH and EXPORT_HEIGHT must be positive")
	}
	if c.ExportFPS <= 0 {
		return errors.New("EXPORT_FPS must be positive")
	}
	if c.ExportRefreshRate < c.ExportFPS {
		return errors.New("EXPORT_REFRESH_RATE must be at least EXPORT_FPS")
	}
	if c.ExportSampleRate <= 0 {
		return errors.New("EXPORT_SAMPLE_RATE must be positive")
	}
	if c.DefaultSceneDuration <= 0 {
		return errors.New("DEFAULT_SCENE_DURATION_MS must be positive")
	}
	if c.VideoReadyTimeout <= 0 {
		return errors.New("VIDEO_READY_TIMEOUT_SECONDS must be positive")
	}
	if c.SubtitleMaxChars <= 0 {
		return errors.New("SUBTITLE_MAX_CHARS must be positive")
	}
	if c.RelayURL != "" && !strings.HasPrefix(c.RelayURL, "http://") && !strings.HasPrefix(c.RelayURL, "https://") {
		return fmt.Errorf("RELAY_URL %q must be an absolute http(s) URL", c.RelayURL)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func parseList(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %s, Surface: %dx%d@%dfps, Relay: %q, Database: %t}",
		c.Port, c.ExportWidth, c.ExportHeight, c.ExportFPS, c.RelayURL, c.DatabaseURL != "")
}
