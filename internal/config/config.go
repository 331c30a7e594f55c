// Package config provides YAML-based configuration management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration document
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Upload   UploadConfig   `yaml:"upload"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Sessions SessionConfig  `yaml:"sessions"`
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCORS"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// StorageConfig contains staging storage settings
type StorageConfig struct {
	DataDirectory    string `yaml:"dataDirectory"`
	StagingDirectory string `yaml:"stagingDirectory"`
	ExportDirectory  string `yaml:"exportDirectory"`
}

// UploadConfig contains the selection filter and upload simulation timing
type UploadConfig struct {
	AllowedFileTypes   string `yaml:"allowedFileTypes"`
	MaxFileSizeBytes   int64  `yaml:"maxFileSizeBytes"`
	ProgressStep       int    `yaml:"progressStep"`
	TickIntervalMs     int    `yaml:"tickIntervalMs"`
	AnalyzingDelayMs   int    `yaml:"analyzingDelayMs"`
	MaxFilesPerSession int    `yaml:"maxFilesPerSession"`
}

// AnalysisConfig contains remote analysis service settings
type AnalysisConfig struct {
	BaseURL        string `yaml:"baseURL"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// SessionConfig contains session lifetime settings
type SessionConfig struct {
	MaxSessions            int `yaml:"maxSessions"`
	SessionTimeoutMinutes  int `yaml:"sessionTimeoutMinutes"`
	CleanupIntervalMinutes int `yaml:"cleanupIntervalMinutes"`
	KeepAliveMinutes       int `yaml:"keepAliveMinutes"`
}

// AdvancedConfig contains logging and tuning options
type AdvancedConfig struct {
	LogLevel               string `yaml:"logLevel"`
	EnableRequestLogging   bool   `yaml:"enableRequestLogging"`
	EnableCompression      bool   `yaml:"enableCompression"`
	CompressionLevel       int    `yaml:"compressionLevel"`
	WebSocketPingSeconds   int    `yaml:"webSocketPingSeconds"`
	WebSocketMaxMessageKiB int    `yaml:"webSocketMaxMessageKiB"`
	ExposeErrorDetails     bool   `yaml:"exposeErrorDetails"` // raw error text in API responses
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "25M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			StagingDirectory: "./data/staging",
			ExportDirectory:  "./data/exports",
		},
		Upload: UploadConfig{
			AllowedFileTypes:   ".dcm,.dicom,.jpg,.jpeg,.png",
			MaxFileSizeBytes:   20971520,
			ProgressStep:       5,
			TickIntervalMs:     100,
			AnalyzingDelayMs:   2000,
			MaxFilesPerSession: 20,
		},
		Analysis: AnalysisConfig{
			BaseURL:        "http://127.0.0.1:5000",
			TimeoutSeconds: 120,
		},
		Sessions: SessionConfig{
			MaxSessions:            50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			KeepAliveMinutes:       5,
		},
		Advanced: AdvancedConfig{
			LogLevel:               "info",
			EnableRequestLogging:   true,
			EnableCompression:      true,
			CompressionLevel:       5,
			WebSocketPingSeconds:   30,
			WebSocketMaxMessageKiB: 64,
			ExposeErrorDetails:     false,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so a partial file only overrides what it names
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Fracture scan backend configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the upload simulation cannot run with
func (c *AppConfig) Validate() error {
	if c.Upload.ProgressStep <= 0 || c.Upload.ProgressStep > 100 {
		return fmt.Errorf("upload.progressStep must be in 1..100, got %d", c.Upload.ProgressStep)
	}
	if c.Upload.TickIntervalMs <= 0 {
		return fmt.Errorf("upload.tickIntervalMs must be positive, got %d", c.Upload.TickIntervalMs)
	}
	if c.Upload.AnalyzingDelayMs < 0 {
		return fmt.Errorf("upload.analyzingDelayMs must not be negative, got %d", c.Upload.AnalyzingDelayMs)
	}
	if c.Upload.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("upload.maxFileSizeBytes must be positive, got %d", c.Upload.MaxFileSizeBytes)
	}
	if strings.TrimSpace(c.Analysis.BaseURL) == "" {
		return fmt.Errorf("analysis.baseURL is required")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.StagingDirectory = filepath.Join(dataDir, "staging")
		c.Storage.ExportDirectory = filepath.Join(dataDir, "exports")
	}

	if baseURL := os.Getenv("ANALYSIS_BASE_URL"); baseURL != "" {
		c.Analysis.BaseURL = baseURL
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.StagingDirectory) {
		c.Storage.StagingDirectory = filepath.Join(configDir, c.Storage.StagingDirectory)
	}
	if !filepath.IsAbs(c.Storage.ExportDirectory) {
		c.Storage.ExportDirectory = filepath.Join(configDir, c.Storage.ExportDirectory)
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// AllowedExtensions returns the normalised list of accepted file extensions
func (c *AppConfig) AllowedExtensions() []string {
	var exts []string
	for _, ext := range strings.Split(c.Upload.AllowedFileTypes, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

func (c *AppConfig) TickInterval() time.Duration {
	return time.Duration(c.Upload.TickIntervalMs) * time.Millisecond
}

func (c *AppConfig) AnalyzingDelay() time.Duration {
	return time.Duration(c.Upload.AnalyzingDelayMs) * time.Millisecond
}

func (c *AppConfig) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutSeconds) * time.Second
}

func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionTimeoutMinutes) * time.Minute
}

func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Sessions.CleanupIntervalMinutes) * time.Minute
}

func (c *AppConfig) KeepAliveWindow() time.Duration {
	return time.Duration(c.Sessions.KeepAliveMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.StagingDirectory,
		c.Storage.ExportDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
