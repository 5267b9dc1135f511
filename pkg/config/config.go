package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where serve looks for the configuration file
const DefaultPath = "/etc/kiln/kiln.yaml"

// Config is the worker configuration file
type Config struct {
	Controller Controller `yaml:"controller"`
	Builder    Builder    `yaml:"builder"`
	Settings   Settings   `yaml:"settings"`
	Frontend   Frontend   `yaml:"frontend"`
	Log        Log        `yaml:"log"`
}

// Controller is the RPC and monitoring listener setup
type Controller struct {
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MetricsAddress string `yaml:"metrics_address"`
	// Socket is a local unix socket accepting read-only calls; empty disables it
	Socket string `yaml:"socket"`
}

// Builder locates the build image and its support files
type Builder struct {
	Storage    string        `yaml:"storage"`
	DataDir    string        `yaml:"data_dir"`
	BackingURL string        `yaml:"backing_url"`
	KillGrace  time.Duration `yaml:"kill_grace"`
	BindHome   bool          `yaml:"bind_home"`
	// JobHistory is the number of job records kept
	JobHistory int `yaml:"job_history"`
}

// Settings holds build behaviour switches
type Settings struct {
	Autoclean bool `yaml:"autoclean"`
}

// Frontend is the queue coordinator
type Frontend struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	URL      string `yaml:"url"`
}

// Log configures pkg/log
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used for keys missing from the file
func Default() *Config {
	return &Config{
		Controller: Controller{
			Address:        "0.0.0.0",
			Port:           8090,
			MetricsAddress: "127.0.0.1:9090",
			Socket:         "/run/kiln/kiln.sock",
		},
		Builder: Builder{
			Storage:    "/var/lib/kiln",
			DataDir:    "/usr/share/kiln",
			KillGrace:  2 * time.Second,
			JobHistory: 200,
		},
		Settings: Settings{
			Autoclean: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// A missing file is an error; an empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the values the worker cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.Controller.Port <= 0 || c.Controller.Port > 65535 {
		errs = append(errs, fmt.Errorf("controller.port %d out of range", c.Controller.Port))
	}
	if c.Controller.Socket != "" && !filepath.IsAbs(c.Controller.Socket) {
		errs = append(errs, fmt.Errorf("controller.socket must be absolute, got %q", c.Controller.Socket))
	}
	if c.Builder.Storage == "" {
		errs = append(errs, errors.New("builder.storage is required"))
	} else if !filepath.IsAbs(c.Builder.Storage) {
		errs = append(errs, fmt.Errorf("builder.storage must be absolute, got %q", c.Builder.Storage))
	}
	if c.Builder.DataDir == "" {
		errs = append(errs, errors.New("builder.data_dir is required"))
	}
	if c.Builder.KillGrace < 0 {
		errs = append(errs, errors.New("builder.kill_grace must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if (c.Frontend.Username == "") != (c.Frontend.Password == "") {
		errs = append(errs, errors.New("frontend.username and frontend.password must be set together"))
	}
	return errors.Join(errs...)
}

// ListenAddress is the RPC listen address
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Controller.Address, strconv.Itoa(c.Controller.Port))
}
