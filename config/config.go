// Package config loads the stacker configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or, failing that, the STACKER_CONFIG environment variable. Without
// either, the built-in defaults are used, which describe a testing bench on
// localhost. Fields missing from the file keep their defaults.
//
// The shared auth token may be kept out of the file by setting
// STACKER_AUTH_TOKEN, which takes precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"stacker/codec"
	"stacker/common"
	"stacker/loadbalance"
)

// EnvConfig and EnvAuthToken are the environment variables Load consults.
const (
	EnvConfig    = "STACKER_CONFIG"
	EnvAuthToken = "STACKER_AUTH_TOKEN"
)

// Config is the configuration shared by stackerd, stackerctl and
// stacker-http.
type Config struct {
	// AuthToken is the shared secret. It only keeps stray or malformed
	// commands out; it is sent in the clear.
	AuthToken string `yaml:"auth_token"`

	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
	Status   StatusConfig   `yaml:"status"`
}

type ServerConfig struct {
	// Listen is the bind address, e.g. "0.0.0.0:5551".
	Listen string `yaml:"listen"`

	// Advertise is the address published in the registry. Defaults to
	// the bound address.
	Advertise string `yaml:"advertise"`

	// BindRetry is the wait between bind attempts.
	BindRetry time.Duration `yaml:"bind_retry"`

	// Mode selects the hardware: only "testing" (dummy motors) is built in.
	Mode string `yaml:"mode"`

	// RateLimit caps commands per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// LogCommands logs every command with its outcome and duration.
	LogCommands bool `yaml:"log_commands"`

	// SimulateTravel makes dummy motors take |distance|/velocity per move.
	SimulateTravel bool `yaml:"simulate_travel"`
}

type ClientConfig struct {
	// Addr is the server address. When empty the address is looked up in
	// the registry.
	Addr string `yaml:"addr"`

	// Name is the sender name put on every command.
	Name string `yaml:"name"`

	// Codec is "cbor" or "json".
	Codec string `yaml:"codec"`

	Heartbeat time.Duration `yaml:"heartbeat"`

	// CacheStaleness is how long cached reads are served; 0 disables the cache.
	CacheStaleness time.Duration `yaml:"cache_staleness"`

	PrintRemoteMsgs bool `yaml:"print_remote_msgs"`

	// Balancer picks among registered servers: "round_robin" or "weighted_random".
	Balancer string `yaml:"balancer"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	After4      time.Duration `yaml:"after4"`
	After10     time.Duration `yaml:"after10"`
}

type RegistryConfig struct {
	// Endpoints lists etcd endpoints. Empty disables the registry.
	Endpoints   []string      `yaml:"endpoints"`
	Service     string        `yaml:"service"`
	TTL         int64         `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	Dir    string `yaml:"dir"`

	// AccumulateLevel is the lowest level returned to clients with a
	// command's response.
	AccumulateLevel string `yaml:"accumulate_level"`
}

type StatusConfig struct {
	Listen         string        `yaml:"listen"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Refresh        time.Duration `yaml:"refresh"`

	// RecentChange is how long a moved axis stays highlighted.
	RecentChange time.Duration `yaml:"recent_change"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AuthToken: "",
		Server: ServerConfig{
			Listen:      "127.0.0.1:5551",
			BindRetry:   time.Second,
			Mode:        "testing",
			RateBurst:   10,
			LogCommands: true,
		},
		Client: ClientConfig{
			Addr:            "127.0.0.1:5551",
			Name:            "StackerClient",
			Codec:           "cbor",
			Heartbeat:       30 * time.Second,
			CacheStaleness:  8 * time.Second,
			PrintRemoteMsgs: true,
			Balancer:        "round_robin",
			Retry: RetryConfig{
				MaxAttempts: 600,
				Base:        250 * time.Millisecond,
				After4:      500 * time.Millisecond,
				After10:     time.Second,
			},
		},
		Registry: RegistryConfig{
			Service:     "stacker",
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:           "info",
			Format:          "console",
			AccumulateLevel: "info",
		},
		Status: StatusConfig{
			Listen:         "127.0.0.1:8000",
			AllowedOrigins: []string{"*"},
			Refresh:        2 * time.Second,
			RecentChange:   10 * time.Second,
		},
	}
}

// Load reads the file named by path, or by STACKER_CONFIG when path is
// empty. With neither set it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if token := os.Getenv(EnvAuthToken); token != "" {
		cfg.AuthToken = token
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail later and far from
// their source.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		errs = append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Client.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("client.retry.max_attempts must be at least 1"))
	}
	if c.Server.Mode != "testing" {
		errs = append(errs, fmt.Errorf("server.mode %q: only \"testing\" is available", c.Server.Mode))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Log.AccumulateLevel); err != nil {
		errs = append(errs, fmt.Errorf("log.accumulate_level: %w", err))
	}
	return errors.Join(errs...)
}

// CommonOptions converts the log section for common.New.
func (l LogConfig) CommonOptions() (common.Options, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return common.Options{}, err
	}
	acc, err := zapcore.ParseLevel(l.AccumulateLevel)
	if err != nil {
		return common.Options{}, err
	}
	return common.Options{
		Level:           level,
		Format:          l.Format,
		LogDir:          l.Dir,
		AccumulateLevel: acc,
	}, nil
}
