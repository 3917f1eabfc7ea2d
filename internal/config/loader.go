package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "POSTFIXER"
	appName   = "postfixer"
)

// InitViper points viper at the configuration sources. When configFile is
// empty, the usual locations are searched for postfixer.yaml or
// postfixer.yml: the working directory, ~/.postfixer and the system
// configuration directory. Environment variables always apply, with or
// without a file.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName(appName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindNestedEnvKeys()
}

// bindNestedEnvKeys registers each nested key with viper explicitly.
// AutomaticEnv only resolves keys viper already knows about, which a
// partially populated config file would otherwise silently narrow. A few
// keys carry a second, unprefixed alias kept for compatibility with older
// deployments.
func bindNestedEnvKeys() {
	viper.BindEnv("policy_server.host", "POSTFIXER_POLICY_SERVER_HOST", "POLICY_SERVER_HOST")
	viper.BindEnv("policy_server.port", "POSTFIXER_POLICY_SERVER_PORT", "POLICY_SERVER_PORT")
	viper.BindEnv("admin.host", "POSTFIXER_ADMIN_HOST")
	viper.BindEnv("admin.port", "POSTFIXER_ADMIN_PORT")
	viper.BindEnv("admin.cors_origin", "POSTFIXER_ADMIN_CORS_ORIGIN", "CORS_DOMAIN")
	viper.BindEnv("admin.api_key_hash", "POSTFIXER_ADMIN_API_KEY_HASH")
	viper.BindEnv("store.path", "POSTFIXER_STORE_PATH")
	viper.BindEnv("retention.inquiry_ttl", "POSTFIXER_RETENTION_INQUIRY_TTL")
	viper.BindEnv("retention.sweep_interval", "POSTFIXER_RETENTION_SWEEP_INTERVAL")
	viper.BindEnv("emitter.queue_size", "POSTFIXER_EMITTER_QUEUE_SIZE")
	viper.BindEnv("emitter.send_timeout", "POSTFIXER_EMITTER_SEND_TIMEOUT")
	viper.BindEnv("tracing.enabled", "POSTFIXER_TRACING_ENABLED")
	viper.BindEnv("log.level", "POSTFIXER_LOG_LEVEL")
}

// LoadConfigRaw reads and defaults the configuration without validating it,
// so callers can apply flag overrides before Validate. No config file
// anywhere is fine; everything then comes from defaults and the
// environment. A file named explicitly but unreadable is an error.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig reads, defaults and validates the configuration.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFileUsed reports the config file viper settled on, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// findConfigFile searches the standard locations for a config file. Only
// files with an explicit .yaml or .yml extension match.
func findConfigFile() string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appName))
	}
	if runtime.GOOS == "windows" {
		if programData := os.Getenv("ProgramData"); programData != "" {
			paths = append(paths, filepath.Join(programData, appName))
		}
	} else {
		paths = append(paths, filepath.Join("/etc", appName))
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := filepath.Join(dir, appName+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return ""
}
