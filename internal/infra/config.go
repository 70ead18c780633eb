package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	// External generation providers.
	GenAIAPIKey  string
	GenAIBaseURL string
	GenAIModel   string
	AtlasAPIKey  string
	AtlasBaseURL string
	AtlasModel   string

	// Per-resource-class throttling.
	ImageMaxConcurrent int
	ImagesPerMinute    int
	VideoMaxConcurrent int
	VideosPerMinute    int

	// Retry policy for external calls.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	CallTimeout      time.Duration

	// Submit/poll providers.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Startup recovery.
	ResumeStaleAfter   time.Duration
	ResumeMaxJobs      int
	ResumeCheckTimeout time.Duration

	// Object storage. When the MinIO endpoint is empty the service falls
	// back to the local filesystem store.
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	StoragePath    string

	FFmpegPath  string
	FFprobePath string
	WorkDir     string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GenAIAPIKey:  os.Getenv("GENAI_API_KEY"),
		GenAIBaseURL: getEnv("GENAI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GenAIModel:   getEnv("GENAI_MODEL", "gemini-2.0-flash-exp-image-generation"),
		AtlasAPIKey:  os.Getenv("ATLAS_API_KEY"),
		AtlasBaseURL: getEnv("ATLAS_BASE_URL", "https://api.atlascloud.ai/api/v1"),
		AtlasModel:   getEnv("ATLAS_MODEL", "bytedance/seedance-v1.5-pro/image-to-video-fast"),

		ImageMaxConcurrent: getEnvInt("IMAGE_MAX_CONCURRENT", 4),
		ImagesPerMinute:    getEnvInt("IMAGES_PER_MINUTE", 30),
		VideoMaxConcurrent: getEnvInt("VIDEO_MAX_CONCURRENT", 2),
		VideosPerMinute:    getEnvInt("VIDEOS_PER_MINUTE", 10),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   time.Second * time.Duration(getEnvInt("RETRY_BASE_DELAY_SECONDS", 1)),
		CallTimeout:      time.Second * time.Duration(getEnvInt("CALL_TIMEOUT_SECONDS", 60)),

		PollInterval: time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 3)),
		PollTimeout:  time.Second * time.Duration(getEnvInt("POLL_TIMEOUT_SECONDS", 600)),

		ResumeStaleAfter:   time.Minute * time.Duration(getEnvInt("RESUME_STALE_AFTER_MINUTES", 5)),
		ResumeMaxJobs:      getEnvInt("RESUME_MAX_JOBS", 10),
		ResumeCheckTimeout: time.Second * time.Duration(getEnvInt("RESUME_CHECK_TIMEOUT_SECONDS", 5)),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:    getEnv("MINIO_BUCKET", "film-assets"),
		MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		WorkDir:     getEnv("WORK_DIR", "./tmp"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
