package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type FuzzyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold int    `yaml:"threshold"`
	Scorer    string `yaml:"scorer"`
}

type NormalizeConfig struct {
	Lowercase          bool `yaml:"lowercase"`
	StripPunctuation   bool `yaml:"strip_punctuation"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	ReplaceNumbers     bool `yaml:"replace_numbers"`
	StripMinimax       bool `yaml:"strip_minimax"`
}

type CacheConfig struct {
	Enabled              bool            `yaml:"enabled"`
	AudioDir             string          `yaml:"audio_dir"`
	DBPath               string          `yaml:"db_path"`
	VarietyDepth         int             `yaml:"variety_depth"`
	MaxTextLength        int             `yaml:"max_text_length"`
	MaxEntries           int             `yaml:"max_entries"`
	MinAgeDays           int             `yaml:"min_age_days"`
	CleanupIntervalHours int             `yaml:"cleanup_interval_hours"`
	Fuzzy                FuzzyConfig     `yaml:"fuzzy"`
	Normalize            NormalizeConfig `yaml:"normalize"`
}

type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	DefaultVoice string `yaml:"default_voice"`
	DefaultModel string `yaml:"default_model"`
	TimeoutS     int    `yaml:"timeout_s"`
}

type ProvidersConfig struct {
	FallbackChain []string                  `yaml:"fallback_chain"`
	Configs       map[string]ProviderConfig `yaml:"configs"`
}

type FillerTemplate struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

type FillerConfig struct {
	AutoGenerateOnStartup bool             `yaml:"auto_generate_on_startup"`
	VoiceID               string           `yaml:"voice_id"`
	Templates             []FillerTemplate `yaml:"templates"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Providers ProvidersConfig `yaml:"providers"`
	Fillers   FillerConfig    `yaml:"fillers"`
	Bus       BusConfig       `yaml:"bus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8844,
			LogLevel: "info",
		},
		Cache: CacheConfig{
			Enabled:              true,
			AudioDir:             "./data/audio",
			DBPath:               "./data/cache.db",
			VarietyDepth:         1,
			MaxTextLength:        500,
			MaxEntries:           50000,
			MinAgeDays:           7,
			CleanupIntervalHours: 1,
			Fuzzy: FuzzyConfig{
				Enabled:   false,
				Threshold: 90,
				Scorer:    "token_sort_ratio",
			},
			Normalize: NormalizeConfig{
				Lowercase:          true,
				StripPunctuation:   true,
				CollapseWhitespace: true,
				ReplaceNumbers:     true,
				StripMinimax:       true,
			},
		},
		Providers: ProvidersConfig{
			Configs: map[string]ProviderConfig{},
		},
		Fillers: FillerConfig{
			AutoGenerateOnStartup: false,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "cachevoice",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
	}
}

var envPlaceholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvPlaceholders expands ${VAR} references from the environment.
// Unresolved references are kept verbatim so credential probing can detect an
// un-configured provider.
func ResolveEnvPlaceholders(value string) string {
	return envPlaceholderRe.ReplaceAllStringFunc(value, func(m string) string {
		if v, ok := os.LookupEnv(m[2 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// IsPlaceholder reports whether value still contains an unresolved ${VAR}
// reference.
func IsPlaceholder(value string) bool {
	return envPlaceholderRe.MatchString(value)
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	resolvePlaceholders(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func resolvePlaceholders(cfg *Config) {
	for name, pc := range cfg.Providers.Configs {
		pc.BaseURL = ResolveEnvPlaceholders(pc.BaseURL)
		pc.APIKey = ResolveEnvPlaceholders(pc.APIKey)
		cfg.Providers.Configs[name] = pc
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Host, "CACHEVOICE_SERVER_HOST")
	overrideInt(&cfg.Server.Port, "CACHEVOICE_SERVER_PORT")
	overrideString(&cfg.Server.LogLevel, "CACHEVOICE_SERVER_LOG_LEVEL")
	overrideBool(&cfg.Cache.Enabled, "CACHEVOICE_CACHE_ENABLED")
	overrideString(&cfg.Cache.AudioDir, "CACHEVOICE_CACHE_AUDIO_DIR")
	overrideString(&cfg.Cache.DBPath, "CACHEVOICE_CACHE_DB_PATH")
	overrideInt(&cfg.Cache.VarietyDepth, "CACHEVOICE_CACHE_VARIETY_DEPTH")
	overrideInt(&cfg.Cache.MaxTextLength, "CACHEVOICE_CACHE_MAX_TEXT_LENGTH")
	overrideInt(&cfg.Cache.MaxEntries, "CACHEVOICE_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.MinAgeDays, "CACHEVOICE_CACHE_MIN_AGE_DAYS")
	overrideInt(&cfg.Cache.CleanupIntervalHours, "CACHEVOICE_CACHE_CLEANUP_INTERVAL_HOURS")
	overrideBool(&cfg.Cache.Fuzzy.Enabled, "CACHEVOICE_CACHE_FUZZY_ENABLED")
	overrideInt(&cfg.Cache.Fuzzy.Threshold, "CACHEVOICE_CACHE_FUZZY_THRESHOLD")
	overrideString(&cfg.Cache.Fuzzy.Scorer, "CACHEVOICE_CACHE_FUZZY_SCORER")
	overrideStringSlice(&cfg.Providers.FallbackChain, "CACHEVOICE_PROVIDERS_FALLBACK_CHAIN")
	overrideBool(&cfg.Fillers.AutoGenerateOnStartup, "CACHEVOICE_FILLERS_AUTO_GENERATE_ON_STARTUP")
	overrideString(&cfg.Fillers.VoiceID, "CACHEVOICE_FILLERS_VOICE_ID")
	overrideBool(&cfg.Bus.Enabled, "CACHEVOICE_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "CACHEVOICE_BUS_SERVERS")
	overrideInt(&cfg.Bus.ConnectTimeout, "CACHEVOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.ServiceName, "CACHEVOICE_TELEMETRY_SERVICE_NAME")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CACHEVOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CACHEVOICE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CACHEVOICE_TELEMETRY_PROMETHEUS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Cache.AudioDir == "" {
		return errors.New("cache.audio_dir must not be empty")
	}
	if cfg.Cache.DBPath == "" {
		return errors.New("cache.db_path must not be empty")
	}
	if cfg.Cache.VarietyDepth < 1 {
		return errors.New("cache.variety_depth must be >= 1")
	}
	if cfg.Cache.MaxTextLength <= 0 {
		return errors.New("cache.max_text_length must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if cfg.Cache.MinAgeDays < 0 {
		return errors.New("cache.min_age_days must be >= 0")
	}
	if cfg.Cache.CleanupIntervalHours <= 0 {
		return errors.New("cache.cleanup_interval_hours must be positive")
	}
	if cfg.Cache.Fuzzy.Threshold < 0 || cfg.Cache.Fuzzy.Threshold > 100 {
		return errors.New("cache.fuzzy.threshold must be between 0 and 100")
	}
	for _, name := range cfg.Providers.FallbackChain {
		if _, ok := cfg.Providers.Configs[name]; !ok {
			return fmt.Errorf("providers.fallback_chain references unknown provider %q", name)
		}
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when the bus is enabled")
	}
	if cfg.Telemetry.ServiceName == "" {
		return errors.New("telemetry.service_name must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
