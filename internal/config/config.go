// Package config loads service configuration from an optional YAML file
// and the environment. Environment variables win: a key such as
// engine.step_timeout is read from ENGINE_STEP_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration of the decision service
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Engine struct {
		MaxSteps    int           `mapstructure:"max_steps"`
		StepTimeout time.Duration `mapstructure:"step_timeout"`
		CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"engine"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	PubSub struct {
		Project string `mapstructure:"project"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"pubsub"`
	Definitions struct {
		Dir          string `mapstructure:"dir"`
		Organization string `mapstructure:"organization"`
		Watch        bool   `mapstructure:"watch"`
	} `mapstructure:"definitions"`
	Refresh struct {
		Schedule string `mapstructure:"schedule"`
	} `mapstructure:"refresh"`

	// DataSources maps a data source name to the URL it is invoked at.
	// From a file it is a mapping; from DATA_SOURCES it is name=url pairs
	// separated by commas.
	DataSources map[string]string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("engine.max_steps", 50)
	v.SetDefault("engine.step_timeout", 10*time.Second)
	v.SetDefault("engine.cache_ttl", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "decisions")
	v.SetDefault("pubsub.project", "")
	v.SetDefault("pubsub.topic", "decisions")
	v.SetDefault("definitions.dir", "")
	v.SetDefault("definitions.organization", "default")
	v.SetDefault("definitions.watch", true)
	v.SetDefault("refresh.schedule", "")
}

// Load reads configuration. path may name a config file; when empty a
// config.yaml in the working directory or ./config is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	sources, err := parseDataSources(v.Get("data_sources"))
	if err != nil {
		return nil, err
	}
	cfg.DataSources = sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_steps must be positive, got %d", c.Engine.MaxSteps))
	}
	if c.Engine.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.step_timeout must be positive, got %s", c.Engine.StepTimeout))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	if c.PubSub.Project != "" && c.PubSub.Topic == "" {
		errs = append(errs, errors.New("pubsub.topic is required when pubsub.project is set"))
	}
	return errors.Join(errs...)
}

// splitList accepts both a list and a single comma separated entry
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseDataSources(raw any) (map[string]string, error) {
	out := make(map[string]string)
	switch val := raw.(type) {
	case nil:
	case string:
		for _, pair := range splitList([]string{val}) {
			name, url, ok := strings.Cut(pair, "=")
			if !ok || name == "" || url == "" {
				return nil, fmt.Errorf("invalid data source %q, want name=url", pair)
			}
			out[strings.TrimSpace(name)] = strings.TrimSpace(url)
		}
	case map[string]any:
		for name, url := range val {
			s, ok := url.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("data source %q must map to a URL", name)
			}
			out[name] = s
		}
	case map[string]string:
		for name, url := range val {
			out[name] = url
		}
	default:
		return nil, fmt.Errorf("data_sources must be a mapping, got %T", raw)
	}
	return out, nil
}
