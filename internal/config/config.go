package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// Config holds the immutable-per-process tunables for the ingest service.
// Field names mirror the Python reference's Defaults dataclass so the two
// stay easy to diff.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Capture window and cadence.
	CaptureSeconds int    `mapstructure:"capture_seconds"`
	TargetFPS      int    `mapstructure:"target_fps"`
	Resolution     string `mapstructure:"resolution"`

	// Frame pipeline.
	JPEGQuality        float64 `mapstructure:"jpeg_quality"`
	ROIRefreshInterval int     `mapstructure:"roi_refresh_interval"`

	// Session lifetime and quota caps.
	TTLSeconds    int `mapstructure:"ttl_sec"`
	MaxFrames     int `mapstructure:"max_frames"`
	MaxBytesMB    int `mapstructure:"max_bytes_mb"`
	MaxChunkSize  int `mapstructure:"max_chunk_size"`
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`

	// Quality thresholds used by the finalizer to classify a result.
	FaceDetectMin float64 `mapstructure:"face_detect_min"`
	SNRGood       float64 `mapstructure:"snr_good"`
	SNRPoor       float64 `mapstructure:"snr_poor"`

	// MockMode controls the finalizer's dispatch: deterministic synthetic
	// estimate vs. the real processor.
	MockMode bool `mapstructure:"mock_mode"`

	// Admission control.
	CreateRateLimitPerIP int `mapstructure:"create_rate_limit_per_ip"`
	CreateRateLimitWindowSeconds int `mapstructure:"create_rate_limit_window_seconds"`

	// Finalizer start-rate gate (server-wide, independent of per-session
	// state): used as both the per-second rate and the burst of a token
	// bucket, so it limits how often finalizations start, not how many
	// run at the same time.
	MaxConcurrentFinalizations int `mapstructure:"max_concurrent_finalizations"`

	// Upstream clinical API passthrough.
	MaylaAPIBase string `mapstructure:"mayla_api_base"`

	// Logging.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// Decode worker pool.
	DecodeWorkers int `mapstructure:"decode_workers"`
}

// Default returns the configuration with the reference implementation's
// constant values (original_source/backend/app/config.py Defaults).
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		CaptureSeconds:     25,
		TargetFPS:          8,
		Resolution:         "640x360",
		JPEGQuality:        0.5,
		ROIRefreshInterval: 3,
		TTLSeconds:         180,
		MaxFrames:          400,
		MaxBytesMB:         20,
		MaxChunkSize:       10,
		MaxFrameBytes:      300_000,
		FaceDetectMin:      0.7,
		SNRGood:            0.6,
		SNRPoor:            0.3,
		MockMode:           true,

		CreateRateLimitPerIP:         10,
		CreateRateLimitWindowSeconds: 60,
		MaxConcurrentFinalizations:   4,

		MaylaAPIBase: "https://dev.saudecomvc.com.br",

		LogLevel:  "info",
		LogFormat: "text",

		DecodeWorkers: runtime.NumCPU(),
	}
}

// Load reads configuration from cfgFile (or the default search path),
// layering environment variables ("RPPG_"-prefixed, plus the bare
// MAYLA_API_BASE) over the file and the file over Default(). Fatal
// validation errors abort startup; warnings are logged and the
// (possibly clamped) config is returned.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("rppg-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RPPG")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if base := os.Getenv("MAYLA_API_BASE"); base != "" {
		cfg.MaylaAPIBase = base
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "rppg-server")
	case "darwin":
		return "/Library/Application Support/rppg-server"
	default:
		return "/etc/rppg-server"
	}
}
