// Package config loads the daemon configuration: yaml file, merged
// over defaults, with FOLDKEY_* environment overrides applied last.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the resolved daemon configuration. Passphrases are never
// part of it; they arrive per-request.
type Config struct {
	Listen    string
	DataDir   string
	Policy    string
	Registry  RegistryConfig
	Keystore  KeystoreConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type RegistryConfig struct {
	URL string
}

type KeystoreConfig struct {
	// Dir is the key directory; empty means DataDir/keys.
	Dir    string
	KDF    string
	Cipher string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level string
}

func DefaultConfig() Config {
	return Config{
		Listen: "127.0.0.1:8750",
		Policy: "standard",
		Keystore: KeystoreConfig{
			KDF:    "argon2id",
			Cipher: "xchacha20-poly1305",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     30,
			Burst:   60,
		},
		Log: LogConfig{Level: "info"},
	}
}

// FileConfig is the yaml shape. Bools are pointers so an absent key and
// an explicit false stay distinguishable during the merge.
type FileConfig struct {
	Listen    string              `yaml:"listen"`
	DataDir   string              `yaml:"dataDir"`
	Policy    string              `yaml:"policy"`
	Registry  FileRegistryConfig  `yaml:"registry"`
	Keystore  FileKeystoreConfig  `yaml:"keystore"`
	RateLimit FileRateLimitConfig `yaml:"rateLimit"`
	Log       FileLogConfig       `yaml:"log"`
}

type FileRegistryConfig struct {
	URL string `yaml:"url"`
}

type FileKeystoreConfig struct {
	Dir    string `yaml:"dir"`
	KDF    string `yaml:"kdf"`
	Cipher string `yaml:"cipher"`
}

type FileRateLimitConfig struct {
	Enabled *bool   `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type FileLogConfig struct {
	Level string `yaml:"level"`
}

// LoadFromPath resolves the configuration: defaults, then the first
// readable candidate file, then environment overrides. Unreadable or
// invalid files are skipped rather than fatal, so a daemon with no
// config file starts with defaults.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/foldkey.yaml",
			"foldkey.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Policy != "" {
		dst.Policy = src.Policy
	}
	if src.Registry.URL != "" {
		dst.Registry.URL = src.Registry.URL
	}
	if src.Keystore.Dir != "" {
		dst.Keystore.Dir = src.Keystore.Dir
	}
	if src.Keystore.KDF != "" {
		dst.Keystore.KDF = src.Keystore.KDF
	}
	if src.Keystore.Cipher != "" {
		dst.Keystore.Cipher = src.Keystore.Cipher
	}
	if src.RateLimit.Enabled != nil {
		dst.RateLimit.Enabled = *src.RateLimit.Enabled
	}
	if src.RateLimit.RPS != 0 {
		dst.RateLimit.RPS = src.RateLimit.RPS
	}
	if src.RateLimit.Burst != 0 {
		dst.RateLimit.Burst = src.RateLimit.Burst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_POLICY")); v != "" {
		cfg.Policy = v
	}
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_REGISTRY_URL")); v != "" {
		cfg.Registry.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_KEYSTORE_DIR")); v != "" {
		cfg.Keystore.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("FOLDKEY_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}

	if raw := strings.TrimSpace(os.Getenv("FOLDKEY_RATE_LIMIT_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.RateLimit.Enabled = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FOLDKEY_RATE_LIMIT_RPS")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			cfg.RateLimit.RPS = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("FOLDKEY_RATE_LIMIT_BURST")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.RateLimit.Burst = v
		}
	}
}
