package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all loom CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	LogFormat    string `json:"log_format"` // "text" or "json"
	ModelCommand string `json:"model_command"`
	DefaultModel string `json:"default_model"`
	TemplatesDir string `json:"templates_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       "file:" + filepath.Join(loomDir(), "loom.db"),
		LogLevel:     "info",
		LogFormat:    "text",
		TemplatesDir: filepath.Join(loomDir(), "templates"),
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("LOOM_MODEL_COMMAND"); v != "" {
		cfg.ModelCommand = v
	}
	if v := os.Getenv("LOOM_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("LOOM_TEMPLATES_DIR"); v != "" {
		cfg.TemplatesDir = v
	}

	return cfg
}
