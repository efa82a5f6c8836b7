// Package config loads the process configuration: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/infinigence/octoproxy/pkg/engines"
)

type Config struct {
	BackendURL              string `json:"backend_url" yaml:"backend_url" env:"OLLAMA_HOST"`
	ListenHost              string `json:"listen_host" yaml:"listen_host" env:"PROXY_HOST"`
	ListenPort              int    `json:"listen_port" yaml:"listen_port" env:"PROXY_PORT"`
	MaxContext              int    `json:"max_context" yaml:"max_context" env:"MAX_CONTEXT"`
	RequestTimeoutSeconds   int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
	MaxEmbeddingInputLength int    `json:"max_embedding_input_length" yaml:"max_embedding_input_length" env:"MAX_EMBEDDING_INPUT_LENGTH"`
	EnableAutoChunking      bool   `json:"enable_auto_chunking" yaml:"enable_auto_chunking" env:"ENABLE_AUTO_CHUNKING"`
	DefaultNumPredict       int    `json:"default_num_predict" yaml:"default_num_predict" env:"DEFAULT_NUM_PREDICT"`

	LogLevel     string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`
	LogFile      string `json:"log_file" yaml:"log_file" env:"LOG_FILE"`
	LogMaxSizeMB int    `json:"log_max_size_mb" yaml:"log_max_size_mb" env:"LOG_MAX_SIZE_MB"`

	BackendHTTPProxy string            `json:"backend_http_proxy" yaml:"backend_http_proxy" env:"BACKEND_HTTP_PROXY"`
	BackendHeaders   map[string]string `json:"backend_headers" yaml:"backend_headers"`
	EnableGzip       bool              `json:"enable_gzip" yaml:"enable_gzip" env:"ENABLE_GZIP"`
	MetricsPath      string            `json:"metrics_path" yaml:"metrics_path" env:"METRICS_PATH"`

	// Rewrites maps a route name (openai_embeddings, native_embeddings, generation)
	// to the policy applied to its requests.
	Rewrites map[string]*engines.RewritePolicy `json:"rewrites" yaml:"rewrites"`
}

func Default() *Config {
	return &Config{
		BackendURL:              "http://127.0.0.1:11434",
		ListenHost:              "127.0.0.1",
		ListenPort:              11435,
		MaxContext:              16384,
		RequestTimeoutSeconds:   120,
		MaxEmbeddingInputLength: 2000,
		EnableAutoChunking:      true,
		DefaultNumPredict:       4096,
		LogLevel:                "info",
		LogMaxSizeMB:            100,
		MetricsPath:             "/_proxy/metrics",
	}
}

// Load builds the configuration. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
		logrus.Debugf("[config] loaded %s", path)
	}
	// unset variables leave the file and default values alone
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.BackendURL = NormalizeBackendURL(cfg.BackendURL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NormalizeBackendURL adds a scheme to bare host:port values such as the ones
// OLLAMA_HOST commonly carries.
func NormalizeBackendURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/")
}

func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid backend url %q", c.BackendURL))
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid listen port %d", c.ListenPort))
	}
	if c.MaxContext <= 0 {
		errs = append(errs, fmt.Errorf("max context must be positive, got %d", c.MaxContext))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %d", c.RequestTimeoutSeconds))
	}
	if c.MaxEmbeddingInputLength <= 0 {
		errs = append(errs, fmt.Errorf("max embedding input length must be positive, got %d", c.MaxEmbeddingInputLength))
	}
	if c.DefaultNumPredict <= 0 {
		errs = append(errs, fmt.Errorf("default num_predict must be positive, got %d", c.DefaultNumPredict))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for route := range c.Rewrites {
		if !knownRoutes[route] {
			errs = append(errs, fmt.Errorf("unknown rewrite route %q", route))
		}
	}
	return errors.Join(errs...)
}

var knownRoutes = map[string]bool{
	"openai_embeddings": true,
	"native_embeddings": true,
	"generation":        true,
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
