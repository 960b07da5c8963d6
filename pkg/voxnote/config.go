package voxnote

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/voxnote/voxnote/pkg/adapters/stt"
)

// Config is the application-level configuration for a recorder.
type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Source        SourceConfig        `mapstructure:"source"`
	Session       SessionConfig       `mapstructure:"session"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

// ProviderConfig selects the transcription backend.
type ProviderConfig struct {
	Type       string         `mapstructure:"type"`
	Credential string         `mapstructure:"credential"`
	Language   string         `mapstructure:"language"`
	SampleRate int            `mapstructure:"sample_rate"`
	Channels   int            `mapstructure:"channels"`
	Continuous bool           `mapstructure:"continuous"`
	Interim    bool           `mapstructure:"interim"`
	Settings   map[string]any `mapstructure:"settings"`
}

// SourceConfig selects the audio capture side.
type SourceConfig struct {
	Kind     string         `mapstructure:"kind"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
	MaxSegments    int `mapstructure:"max_segments"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

// LoadConfig reads and validates a config file. String values support
// ${VAR} environment expansion so credentials stay out of the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("provider.type", string(stt.ProviderSelfHosted))
	v.SetDefault("provider.language", "en")
	v.SetDefault("provider.sample_rate", 16000)
	v.SetDefault("provider.channels", 1)
	v.SetDefault("provider.continuous", true)
	v.SetDefault("provider.interim", true)
	v.SetDefault("source.kind", "wsaudio")
	v.SetDefault("session.drain_timeout_ms", 2000)
	v.SetDefault("session.max_segments", 0)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_transcripts", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.Provider.Settings = expandSettings(cfg.Provider.Settings)
	cfg.Source.Settings = expandSettings(cfg.Source.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Type) == "" {
		return fmt.Errorf("provider.type is required")
	}
	if strings.TrimSpace(c.Source.Kind) == "" {
		return fmt.Errorf("source.kind is required")
	}
	switch c.Source.Kind {
	case "wsaudio", "telephone", "mock":
	default:
		return fmt.Errorf("unknown source.kind: %s", c.Source.Kind)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
