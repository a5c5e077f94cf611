// Package config provides configuration management for CortexVoice
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Audio       AudioConfig       `mapstructure:"audio"`
	Engines     []EngineConfig    `mapstructure:"engines"`
	Init        InitConfig        `mapstructure:"init"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Selection   SelectionConfig   `mapstructure:"selection"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Learning    LearningConfig    `mapstructure:"learning"`
	Modes       ModesConfig       `mapstructure:"modes"`
	Vocabulary  VocabularyConfig  `mapstructure:"vocabulary"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AudioConfig configures the audio front end
type AudioConfig struct {
	SampleRate           int           `mapstructure:"sample_rate"`
	FrameMs              int           `mapstructure:"frame_ms"`
	BitDepth             int           `mapstructure:"bit_depth"`
	VADEnabled           bool          `mapstructure:"vad_enabled"`
	EnergyThreshold      float64       `mapstructure:"energy_threshold"`
	ZCRThreshold         float64       `mapstructure:"zcr_threshold"`
	SpeechFrames         int           `mapstructure:"speech_frames"`
	SilenceFrames        int           `mapstructure:"silence_frames"`
	NoiseFloorMultiplier float64       `mapstructure:"noise_floor_multiplier"`
	CalibrationMs        int           `mapstructure:"calibration_ms"`
	RecalibrateInterval  time.Duration `mapstructure:"recalibrate_interval"`
}

// EngineConfig declares one recognition engine instance
type EngineConfig struct {
	ID          string        `mapstructure:"id"`
	Kind        string        `mapstructure:"kind"` // ws, http
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Priority    int           `mapstructure:"priority"`
	Languages   []string      `mapstructure:"languages"`
	Offline     bool          `mapstructure:"offline"`
	FootprintMB int           `mapstructure:"footprint_mb"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// InitConfig configures engine initialization retries
type InitConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelayMs    int           `mapstructure:"initial_delay_ms"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelayMs        int           `mapstructure:"max_delay_ms"`
	JitterMs          int           `mapstructure:"jitter_ms"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	AllowDegraded     bool          `mapstructure:"allow_degraded"`
}

// RecoveryConfig configures error classification and clustering
type RecoveryConfig struct {
	Window               time.Duration `mapstructure:"window"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	MaxHistory           int           `mapstructure:"max_history"`
}

// PerformanceConfig configures the rolling performance monitor
type PerformanceConfig struct {
	WindowSize           int     `mapstructure:"window_size"`
	ExcellentLatencyMs   int     `mapstructure:"excellent_latency_ms"`
	ExcellentSuccessRate float64 `mapstructure:"excellent_success_rate"`
	GoodLatencyMs        int     `mapstructure:"good_latency_ms"`
	GoodSuccessRate      float64 `mapstructure:"good_success_rate"`
	DegradedLatencyMs    int     `mapstructure:"degraded_latency_ms"`
	DegradedSuccessRate  float64 `mapstructure:"degraded_success_rate"`
}

// SelectionConfig configures engine selection and failover
type SelectionConfig struct {
	Language          string        `mapstructure:"language"`
	OfflineOnly       bool          `mapstructure:"offline_only"`
	MemoryBudgetMB    int           `mapstructure:"memory_budget_mb"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	PerformanceWeight float64       `mapstructure:"performance_weight"`
	WarmBonus         float64       `mapstructure:"warm_bonus"`
}

// MatchingConfig configures command matching
type MatchingConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	AutoLearn           bool          `mapstructure:"auto_learn"`
	LearnTimeout        time.Duration `mapstructure:"learn_timeout"`
}

// RedisConfig holds the Redis connection settings for the learning store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LearningConfig configures the learned-command store
type LearningConfig struct {
	Backend       string      `mapstructure:"backend"` // sqlite, redis
	Path          string      `mapstructure:"path"`
	Redis         RedisConfig `mapstructure:"redis"`
	RetentionDays int         `mapstructure:"retention_days"` // 0 keeps mappings forever
	PruneSchedule string      `mapstructure:"prune_schedule"`
}

// ModesConfig configures listening-mode transitions
type ModesConfig struct {
	SleepTimeout     time.Duration `mapstructure:"sleep_timeout"`
	DictationSilence time.Duration `mapstructure:"dictation_silence"`
	MutePhrase       string        `mapstructure:"mute_phrase"`
	UnmutePhrase     string        `mapstructure:"unmute_phrase"`
}

// VocabularyConfig points at the command vocabulary file
type VocabularyConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// ServerConfig configures the status/metrics HTTP surface
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".cortexvoice")

	return &Config{
		Audio: AudioConfig{
			SampleRate:           16000,
			FrameMs:              30,
			BitDepth:             16,
			VADEnabled:           true,
			EnergyThreshold:      0.012,
			ZCRThreshold:         0.06,
			SpeechFrames:         3,
			SilenceFrames:        10,
			NoiseFloorMultiplier: 1.2,
			CalibrationMs:        1500,
			RecalibrateInterval:  30 * time.Second,
		},
		Engines: []EngineConfig{
			{
				ID:          "whisper-local",
				Kind:        "http",
				Endpoint:    "http://127.0.0.1:8090",
				Priority:    60,
				Languages:   []string{"en"},
				Offline:     true,
				FootprintMB: 512,
				Timeout:     10 * time.Second,
			},
			{
				ID:          "cortex-stream",
				Kind:        "ws",
				Endpoint:    "ws://127.0.0.1:8092/listen",
				Priority:    80,
				Languages:   []string{"en", "es", "fr", "de"},
				Offline:     false,
				FootprintMB: 64,
				Timeout:     10 * time.Second,
			},
		},
		Init: InitConfig{
			MaxRetries:        3,
			InitialDelayMs:    1000,
			BackoffMultiplier: 2.0,
			MaxDelayMs:        8000,
			JitterMs:          250,
			AttemptTimeout:    30 * time.Second,
			AllowDegraded:     true,
		},
		Recovery: RecoveryConfig{
			Window:               30 * time.Second,
			MaxConsecutiveErrors: 3,
			MaxHistory:           32,
		},
		Performance: PerformanceConfig{
			WindowSize:           50,
			ExcellentLatencyMs:   100,
			ExcellentSuccessRate: 0.95,
			GoodLatencyMs:        300,
			GoodSuccessRate:      0.85,
			DegradedLatencyMs:    1000,
			DegradedSuccessRate:  0.70,
		},
		Selection: SelectionConfig{
			Language:          "en",
			OfflineOnly:       false,
			MemoryBudgetMB:    0,
			Cooldown:          60 * time.Second,
			PerformanceWeight: 10,
			WarmBonus:         5,
		},
		Matching: MatchingConfig{
			SimilarityThreshold: 0.75,
			AutoLearn:           true,
			LearnTimeout:        2 * time.Second,
		},
		Learning: LearningConfig{
			Backend:       "sqlite",
			Path:          filepath.Join(dataDir, "learned.db"),
			Redis:         RedisConfig{Addr: "127.0.0.1:6379"},
			RetentionDays: 0,
			PruneSchedule: "0 3 * * *",
		},
		Modes: ModesConfig{
			SleepTimeout:     5 * time.Minute,
			DictationSilence: 8 * time.Second,
			MutePhrase:       "stop listening",
			UnmutePhrase:     "wake up",
		},
		Vocabulary: VocabularyConfig{
			File:  filepath.Join(dataDir, "vocabulary.yaml"),
			Watch: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8591",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        filepath.Join(dataDir, "logs"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Console:    true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".cortexvoice")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("CORTEXVOICE")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	cfg.normalize()
	return cfg, nil
}

// normalize clamps values that have a fixed valid range
func (c *Config) normalize() {
	if c.Matching.SimilarityThreshold < 0.6 {
		c.Matching.SimilarityThreshold = 0.6
	}
	if c.Matching.SimilarityThreshold > 0.8 {
		c.Matching.SimilarityThreshold = 0.8
	}
	if c.Init.MaxRetries < 1 {
		c.Init.MaxRetries = 1
	}
	if c.Recovery.MaxConsecutiveErrors < 1 {
		c.Recovery.MaxConsecutiveErrors = 1
	}
	if c.Performance.WindowSize < 1 {
		c.Performance.WindowSize = 1
	}
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".cortexvoice")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("audio", cfg.Audio)
	viper.Set("engines", cfg.Engines)
	viper.Set("init", cfg.Init)
	viper.Set("recovery", cfg.Recovery)
	viper.Set("performance", cfg.Performance)
	viper.Set("selection", cfg.Selection)
	viper.Set("matching", cfg.Matching)
	viper.Set("learning", cfg.Learning)
	viper.Set("modes", cfg.Modes)
	viper.Set("vocabulary", cfg.Vocabulary)
	viper.Set("server", cfg.Server)
	viper.Set("logging", cfg.Logging)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexvoice"), nil
}
