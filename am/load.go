package am

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/teranos/autopost/errors"
)

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	explicitPath  string
	resolvedPath  string
)

// SetConfigFile pins the config file used by Load, bypassing the search.
// An empty path restores the search.
func SetConfigFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	explicitPath = path
	Reset()
}

// Load reads the autopost configuration using Viper.
// Precedence (lowest to highest): defaults < system < user < project (or --config) < env vars.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads defaults plus a single file, without environment overrides.
// The config watcher uses this so a reload reflects exactly what is on disk.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// GetViper returns the Viper instance behind Load
func GetViper() (*viper.Viper, error) {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// ConfigPath returns the highest-precedence file Load merged, or "" when only
// defaults and environment were used.
func ConfigPath() string {
	mu.Lock()
	defer mu.Unlock()
	return resolvedPath
}

// Reset clears the cached configuration. Callers outside the package use it
// between tests; inside it runs with mu held.
func Reset() {
	globalConfig = nil
	viperInstance = nil
	resolvedPath = ""
}

// Settings returns the merged settings with secrets redacted, for display.
func Settings() (map[string]interface{}, error) {
	v, err := GetViper()
	if err != nil {
		return nil, err
	}
	settings := v.AllSettings()
	if poster, ok := settings["poster"].(map[string]interface{}); ok {
		if pw, _ := poster["app_password"].(string); pw != "" {
			poster["app_password"] = "********"
		}
	}
	return settings, nil
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold mu.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	v := viper.New()

	v.SetEnvPrefix("AUTOPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", explicitPath)
		}
		resolvedPath = explicitPath
	} else {
		resolvedPath = mergeConfigFiles(v)
	}

	viperInstance = v
	return v, nil
}

// findProjectConfig walks up from the working directory looking for autopost.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges system, user and project files in precedence order
// and returns the last one that was merged.
func mergeConfigFiles(v *viper.Viper) string {
	configPaths := []string{"/etc/autopost/" + DefaultConfigName}
	if homeDir, err := os.UserHomeDir(); err == nil {
		configPaths = append(configPaths, filepath.Join(homeDir, ".autopost", DefaultConfigName))
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		configPaths = append(configPaths, projectConfig)
	}

	merged := ""
	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err == nil {
			merged = configPath
		}
	}
	return merged
}

// UnknownKeys decodes a config file and reports keys autopost does not read,
// which are almost always typos ("min_gap_hours" instead of "min_gap").
func UnknownKeys(configPath string) ([]string, error) {
	var raw map[string]interface{}
	meta, err := toml.DecodeFile(configPath, &raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}

	defaults := viper.New()
	SetDefaults(defaults)
	known := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		known[key] = true
		// Every enclosing table is known too
		for i := strings.Index(key, "."); i >= 0; i = nextDot(key, i) {
			known[key[:i]] = true
		}
	}

	var unknown []string
	for _, key := range meta.Keys() {
		name := strings.ToLower(key.String())
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func nextDot(s string, from int) int {
	if j := strings.Index(s[from+1:], "."); j >= 0 {
		return from + 1 + j
	}
	return -1
}
