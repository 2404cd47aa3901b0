// Package config loads the settings of the reqresp command from an optional
// YAML file, REQRESP_* environment variables and command-line flags.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glimte/mmate-reqresp/internal/rabbitmq"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. REQRESP_URL
const EnvPrefix = "REQRESP"

// TLSConfig holds client TLS settings for amqps connections
type TLSConfig struct {
	CAFile             string `mapstructure:"ca-file"`
	CertFile           string `mapstructure:"cert-file"`
	KeyFile            string `mapstructure:"key-file"`
	ServerName         string `mapstructure:"server-name"`
	InsecureSkipVerify bool   `mapstructure:"insecure-skip-verify"`
}

// Config is the command configuration
type Config struct {
	// URL wins over the individual connection fields when set.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Secure   bool   `mapstructure:"secure"`

	Exchange    string        `mapstructure:"exchange"`
	Topic       string        `mapstructure:"topic"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	// ConnectRetries is how often a failed dial is retried at startup.
	ConnectRetries int    `mapstructure:"connect-retries"`
	LogLevel       string `mapstructure:"log-level"`
	MetricsAddr    string `mapstructure:"metrics-addr"`

	TLS TLSConfig `mapstructure:"tls"`
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 0)
	v.SetDefault("username", "guest")
	v.SetDefault("password", "guest")
	v.SetDefault("secure", false)
	v.SetDefault("exchange", "reqresp-durable.example")
	v.SetDefault("topic", "reqresp.mytopic")
	v.SetDefault("timeout", 5*time.Second)
	v.SetDefault("dial-timeout", 30*time.Second)
	v.SetDefault("connect-retries", 0)
	v.SetDefault("log-level", "info")
	v.SetDefault("metrics-addr", "")
	v.SetDefault("tls.ca-file", "")
	v.SetDefault("tls.cert-file", "")
	v.SetDefault("tls.key-file", "")
	v.SetDefault("tls.server-name", "")
	v.SetDefault("tls.insecure-skip-verify", false)
}

// Load reads path when given, applies REQRESP_* environment variables and
// decodes everything v knows, including flags bound by the caller.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values a command cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" && c.Host == "" {
		errs = append(errs, errors.New("either url or host must be set"))
	}
	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange cannot be empty"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, errors.New("connect-retries cannot be negative"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert-file and tls.key-file must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// BrokerURL returns URL, or one assembled from the connection fields
func (c *Config) BrokerURL() string {
	if c.URL != "" {
		return c.URL
	}
	return rabbitmq.BuildURL(c.Host, c.Username, c.Password, c.Port, c.Secure)
}

// UsesTLS reports whether the broker connection is encrypted
func (c *Config) UsesTLS() bool {
	return strings.HasPrefix(c.BrokerURL(), "amqps://")
}

// ClientTLS builds the TLS configuration, or returns nil when no TLS
// setting differs from the system defaults.
func (t TLSConfig) ClientTLS() (*tls.Config, error) {
	if t == (TLSConfig{}) {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls.ca-file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls.ca-file %s holds no PEM certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
