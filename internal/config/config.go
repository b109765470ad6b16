package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up next to the executable.
const FileName = "config.yaml"

// Environment overrides, applied after the file is parsed.
const (
	EnvBackendURL   = "ASCIIPAY_BACKEND_URL"
	EnvBackendToken = "ASCIIPAY_BACKEND_TOKEN"
)

const defaultTimeout = 5 * time.Second

type ValidationMode int

const (
	// ValidationTerminal: identify and pay need a backend and a reader.
	ValidationTerminal ValidationMode = iota
	// ValidationReader: wipe only needs a reader.
	ValidationReader
	// ValidationEmulator: serve needs the emulator section.
	ValidationEmulator
)

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Reader   ReaderConfig   `yaml:"reader"`
	Emulator EmulatorConfig `yaml:"emulator"`
	Log      LogConfig      `yaml:"log"`
}

type BackendConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ReaderConfig struct {
	// Name selects readers whose name contains it; empty watches all readers.
	Name string `yaml:"name"`
	// PollInterval bounds each wait for a card so cancellation is noticed.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type EmulatorConfig struct {
	Listen     string       `yaml:"listen"`
	Database   string       `yaml:"database"`
	AutoEnroll bool         `yaml:"auto_enroll"`
	Cards      []CardConfig `yaml:"cards"`
}

// CardConfig seeds a card in the emulator. Exactly one of Account and
// Product is set.
type CardConfig struct {
	ID      string         `yaml:"id"`
	Account map[string]any `yaml:"account"`
	Product map[string]any `yaml:"product"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationTerminal)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	cfg.applyEnv()
	if err := cfg.loadTokenFile(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationTerminal)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationTerminal:
		return c.validateBackend()
	case ValidationReader:
		return nil
	case ValidationEmulator:
		return c.validateEmulator()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	if c.Reader.PollInterval < 0 {
		return fmt.Errorf("config.reader.poll_interval must be >= 0")
	}
	return nil
}

func (c *Config) validateBackend() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return fmt.Errorf("config.backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config.backend.url must be an absolute http(s) URL")
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("config.backend.timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateEmulator() error {
	if strings.TrimSpace(c.Emulator.Listen) == "" {
		return fmt.Errorf("config.emulator.listen is required")
	}
	if strings.TrimSpace(c.Emulator.Database) == "" {
		return fmt.Errorf("config.emulator.database is required")
	}
	seen := map[string]bool{}
	for i, card := range c.Emulator.Cards {
		field := fmt.Sprintf("config.emulator.cards[%d]", i)
		if strings.TrimSpace(card.ID) == "" {
			return fmt.Errorf("%s.id is required", field)
		}
		if seen[card.ID] {
			return fmt.Errorf("%s.id %q is duplicated", field, card.ID)
		}
		seen[card.ID] = true
		if (card.Account == nil) == (card.Product == nil) {
			return fmt.Errorf("%s needs exactly one of account or product", field)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		c.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendToken)); v != "" {
		c.Backend.Token = v
	}
}

func (c *Config) loadTokenFile() error {
	if c.Backend.Token != "" || c.Backend.TokenFile == "" {
		return nil
	}
	if err := validateReadableFile(c.Backend.TokenFile, "config.backend.token_file"); err != nil {
		return err
	}
	b, err := os.ReadFile(c.Backend.TokenFile)
	if err != nil {
		return fmt.Errorf("config.backend.token_file: %w", err)
	}
	c.Backend.Token = strings.TrimSpace(string(b))
	return nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = defaultTimeout
	}
	if c.Reader.PollInterval == 0 {
		c.Reader.PollInterval = time.Second
	}
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Backend.TokenFile = resolvePath(configDir, c.Backend.TokenFile)
	c.Emulator.Database = resolvePath(configDir, c.Emulator.Database)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) || trimmed == ":memory:" {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// DefaultPath returns config.yaml next to the executable, falling back to the
// working directory (for `go run`, where the executable lives in a temp dir).
func DefaultPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), FileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, FileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
