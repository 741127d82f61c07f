// Package config provides the optional XML configuration read beside the executable.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// FileName is the configuration file looked up next to the executable.
const FileName = "dataparser.config"

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"DataParser"`

	// Output file settings
	Output OutputConfig `xml:"Output"`

	// Format table settings
	Formats FormatsConfig `xml:"Formats"`

	// Processing settings
	Processing ProcessingConfig `xml:"Processing"`

	// Logging settings
	Logging LoggingConfig `xml:"Logging"`
}

// OutputConfig contains CSV output settings
type OutputConfig struct {
	Policy          string `xml:"Policy" validate:"oneof=fail overwrite"`
	OnInvalid       string `xml:"OnInvalid" validate:"oneof=mark skip"`
	InvalidMarker   string `xml:"InvalidMarker"`
	LineEnding      string `xml:"LineEnding" validate:"oneof=lf crlf"`
	KeepValidPrefix bool   `xml:"KeepValidPrefix"`
}

// FormatsConfig contains format table settings
type FormatsConfig struct {
	Directory string `xml:"Directory"`
	Default   string `xml:"Default"`
}

// ProcessingConfig contains read and decode tuning
type ProcessingConfig struct {
	ChunkSizeKB int `xml:"ChunkSizeKB" validate:"min=4,max=65536"`
	MaxWarnings int `xml:"MaxWarnings" validate:"min=1"`
}

// LoggingConfig contains diagnostics settings
type LoggingConfig struct {
	Level  string `xml:"Level" validate:"oneof=debug info warn error"`
	Format string `xml:"Format" validate:"oneof=text json"`
	File   string `xml:"File"`
}

var validate = validator.New()

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Output: OutputConfig{
			Policy:     "fail",
			OnInvalid:  "mark",
			LineEnding: "lf",
		},
		Processing: ProcessingConfig{
			ChunkSizeKB: 64,
			MaxWarnings: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the configuration path beside the running executable.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return FileName
	}
	return filepath.Join(filepath.Dir(exe), FileName)
}

// LoadConfig loads configuration from an XML file. A missing file yields the
// defaults; the file is never created or rewritten.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		config.resolvePaths(filepath.Dir(configPath))
	}

	// Apply environment variable overrides
	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadEnvFiles loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides allows DATAPARSER_* variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() error {
	strs := map[string]*string{
		"DATAPARSER_OUTPUT_POLICY":  &c.Output.Policy,
		"DATAPARSER_ON_INVALID":     &c.Output.OnInvalid,
		"DATAPARSER_LINE_ENDING":    &c.Output.LineEnding,
		"DATAPARSER_FORMATS_DIR":    &c.Formats.Directory,
		"DATAPARSER_DEFAULT_FORMAT": &c.Formats.Default,
		"DATAPARSER_LOG_LEVEL":      &c.Logging.Level,
		"DATAPARSER_LOG_FORMAT":     &c.Logging.Format,
		"DATAPARSER_LOG_FILE":       &c.Logging.File,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Marker may legitimately be set to an empty string.
	if v, ok := os.LookupEnv("DATAPARSER_INVALID_MARKER"); ok {
		c.Output.InvalidMarker = v
	}

	if v := os.Getenv("DATAPARSER_KEEP_VALID_PREFIX"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DATAPARSER_KEEP_VALID_PREFIX: %w", err)
		}
		c.Output.KeepValidPrefix = b
	}
	if v := os.Getenv("DATAPARSER_CHUNK_SIZE_KB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DATAPARSER_CHUNK_SIZE_KB: %w", err)
		}
		c.Processing.ChunkSizeKB = n
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if c.Formats.Directory != "" && !filepath.IsAbs(c.Formats.Directory) {
		c.Formats.Directory = filepath.Join(configDir, c.Formats.Directory)
	}
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(configDir, c.Logging.File)
	}
}

// ChunkSize returns the read chunk size in bytes.
func (c *AppConfig) ChunkSize() int {
	return c.Processing.ChunkSizeKB * 1024
}
