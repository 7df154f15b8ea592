package config

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes environment overrides, e.g. WEBCHAT_PORT
const EnvPrefix = "WEBCHAT"

// Config holds all application configuration.
type Config struct {
	Host         string
	Port         int
	Env          string
	IdleTimeout  time.Duration
	PollInterval time.Duration
	MaxLineBytes int
	MaxBodyBytes int
	LogLevel     string
	LogJSON      bool
	File         string
}

// New loads configuration from the command line, the environment and an
// optional JSON file. It exits on invalid input, like flag.Parse.
func New() *Config {
	cfg, err := Load(os.Args[1:], os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load resolves configuration from args and environ. Precedence, highest
// first: flags given on the command line, environment, JSON file, defaults.
func Load(args, environ []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("webchat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Host, "host", "0.0.0.0", "listen address")
	fs.IntVar(&cfg.Port, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.Env, "env", "development", "Environment (development/production)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 60*time.Second, "close connections idle this long (negative disables)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 100*time.Millisecond, "reactor wait timeout")
	fs.IntVar(&cfg.MaxLineBytes, "max-line-bytes", 8<<10, "longest accepted start or header line")
	fs.IntVar(&cfg.MaxBodyBytes, "max-body-bytes", 1<<20, "largest accepted request body (0 = unlimited)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug/info/warn/error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "log in JSON")
	fs.StringVar(&cfg.File, "config", "", "JSON configuration file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	m := NewManager()
	if cfg.File != "" {
		if err := m.LoadFromJSON(cfg.File); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	m.loadFromEnviron(EnvPrefix, environ)

	if err := cfg.apply(m, explicit); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply copies manager values onto fields whose flag was not given
func (c *Config) apply(m *Manager, explicit map[string]bool) error {
	var err error
	use := func(flagName, key string) bool {
		return err == nil && !explicit[flagName] && m.Has(key)
	}

	if use("host", "host") {
		c.Host = m.GetString("host")
	}
	if use("port", "port") {
		c.Port, err = m.GetInt("port")
	}
	if use("env", "env") {
		c.Env = m.GetString("env")
	}
	if use("idle-timeout", "idle.timeout") {
		c.IdleTimeout, err = m.GetDuration("idle.timeout")
	}
	if use("poll-interval", "poll.interval") {
		c.PollInterval, err = m.GetDuration("poll.interval")
	}
	if use("max-line-bytes", "max.line.bytes") {
		c.MaxLineBytes, err = m.GetInt("max.line.bytes")
	}
	if use("max-body-bytes", "max.body.bytes") {
		c.MaxBodyBytes, err = m.GetInt("max.body.bytes")
	}
	if use("log-level", "log.level") {
		c.LogLevel = m.GetString("log.level")
	}
	if use("log-json", "log.json") {
		c.LogJSON = m.GetBool("log.json")
	}
	return err
}

// Validate checks ranges and the log level
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("config: max line bytes must be positive, got %d", c.MaxLineBytes)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("config: max body bytes must not be negative, got %d", c.MaxBodyBytes)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr returns host:port for the listener
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProduction reports whether Env is "production"
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NewLogger builds a logger with the configured level and format
func (c *Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	if c.LogJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
