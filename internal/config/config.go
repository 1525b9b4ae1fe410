// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the regression pipeline.
type Config struct {
	Run      RunConfig
	Ref      EngineConfig
	Tar      EngineConfig
	Convert  ConvertConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Persist  PersistConfig
	Log      LogConfig
}

// RunConfig holds corpus and output layout configuration.
type RunConfig struct {
	SrcDir     string
	OutDir     string // centralized layout root; overrides the three below
	RefOutDir  string
	TarOutDir  string
	DiffOutDir string
	Workers    int
	MaxPages   int // page-pair cap per document during diffing
	Extensions []string
	DoDiff     bool
	CacheFile  string
	ErrorLog   string
	ReportFile string
}

// EngineConfig describes one converter build (reference or target).
type EngineConfig struct {
	BinPath string // external converter binary
	UseSDK  bool   // render in-process instead of spawning a binary
}

// ConvertConfig holds conversion-phase tuning.
type ConvertConfig struct {
	TimeoutSeconds int // per-invocation converter timeout
	RenderDPI      int // DPI for in-process rendering
}

// DatabaseConfig holds document-store configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds the optional content-hash cache configuration.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds optional object-storage mirror configuration.
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// PersistConfig holds persistence-phase tuning.
type PersistConfig struct {
	Workers       int
	RatePerSecond float64 // store write throttle; 0 disables
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Run: RunConfig{
			SrcDir:     getEnv("REGRESS_SRC_DIR", ""),
			OutDir:     getEnv("REGRESS_OUT_DIR", ""),
			RefOutDir:  getEnv("REGRESS_REF_OUT_DIR", ""),
			TarOutDir:  getEnv("REGRESS_TAR_OUT_DIR", ""),
			DiffOutDir: getEnv("REGRESS_DIFF_OUT_DIR", ""),
			Workers:    getEnvAsInt("REGRESS_WORKERS", 4),
			MaxPages:   getEnvAsInt("REGRESS_MAX_DIFF_PAGES", 10),
			Extensions: getEnvAsSlice("REGRESS_EXTENSIONS", []string{".pdf"}),
			DoDiff:     getEnvAsBool("REGRESS_DO_DIFF", true),
			CacheFile:  getEnv("REGRESS_CACHE_FILE", "cache.json"),
			ErrorLog:   getEnv("REGRESS_ERROR_LOG", "error.txt"),
			ReportFile: getEnv("REGRESS_REPORT_FILE", "sanity.json"),
		},
		Ref: EngineConfig{
			BinPath: getEnv("REGRESS_REF_BIN", ""),
			UseSDK:  getEnvAsBool("REGRESS_REF_USE_SDK", false),
		},
		Tar: EngineConfig{
			BinPath: getEnv("REGRESS_TAR_BIN", ""),
			UseSDK:  getEnvAsBool("REGRESS_TAR_USE_SDK", false),
		},
		Convert: ConvertConfig{
			TimeoutSeconds: getEnvAsInt("REGRESS_CONVERT_TIMEOUT", 120),
			RenderDPI:      getEnvAsInt("REGRESS_RENDER_DPI", 92),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "renderproof"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Enabled:         getEnvAsBool("STORAGE_ENABLED", false),
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "renderproof"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		Persist: PersistConfig{
			Workers:       getEnvAsInt("PERSIST_WORKERS", 4),
			RatePerSecond: getEnvAsFloat("PERSIST_RATE_PER_SECOND", 0),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "text"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	return cfg, nil
}

// Validate checks the output-layout and engine combinations that are
// fatal at startup. Per-document failures are handled downstream.
func (c *Config) Validate() error {
	if c.Run.SrcDir == "" {
		return fmt.Errorf("source directory is required")
	}
	if info, err := os.Stat(c.Run.SrcDir); err != nil || !info.IsDir() {
		return fmt.Errorf("source directory %q does not exist", c.Run.SrcDir)
	}

	centralized := c.Run.OutDir != ""
	flat := c.Run.RefOutDir != "" || c.Run.TarOutDir != "" || c.Run.DiffOutDir != ""
	if centralized && flat {
		return fmt.Errorf("out dir and ref/tar/diff out dirs are mutually exclusive")
	}
	if !centralized && !flat {
		return fmt.Errorf("either an out dir (centralized) or ref/tar/diff out dirs (flat) must be set")
	}

	for _, eng := range []struct {
		name string
		cfg  EngineConfig
	}{{"reference", c.Ref}, {"target", c.Tar}} {
		if eng.cfg.BinPath != "" && eng.cfg.UseSDK {
			return fmt.Errorf("%s engine: binary path and SDK mode are mutually exclusive", eng.name)
		}
		if eng.cfg.BinPath != "" {
			if _, err := os.Stat(eng.cfg.BinPath); err != nil {
				return fmt.Errorf("%s engine binary %q not found", eng.name, eng.cfg.BinPath)
			}
		}
	}

	if c.Run.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Run.Workers)
	}
	if c.Run.MaxPages < 1 {
		return fmt.Errorf("max diff pages must be >= 1, got %d", c.Run.MaxPages)
	}
	return nil
}

// Centralized reports whether the content-addressed output layout is in
// use. Database persistence is only possible in this mode.
func (c *Config) Centralized() bool {
	return c.Run.OutDir != ""
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string) []string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
