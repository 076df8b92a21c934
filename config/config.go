// Package config loads the string settings a service reads at startup.
//
// Keys are colon separated ("RabbitMq:Host"). Values are resolved, highest
// priority first, from bound command line flags, the environment (where ":"
// becomes "__", so RABBITMQ__HOST overrides RabbitMq:Host), a .env file and
// an optional settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	berr "github.com/next-trace/scg-microservice/contract/errors"
)

// Settings is the read side consumed by the service builder.
type Settings interface {
	GetString(key string) string
}

// Options controls where Load looks for values.
type Options struct {
	Name      string   // settings file name without extension
	Paths     []string // settings file search paths
	EnvFiles  []string // dotenv files; missing files are skipped
	EnvPrefix string   // optional environment prefix
	flags     map[string]*pflag.Flag
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Name:     "appsettings",
		Paths:    []string{".", "./config"},
		EnvFiles: []string{".env"},
		flags:    make(map[string]*pflag.Flag),
	}
}

// WithName sets the settings file name (no extension).
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithPaths replaces the settings file search paths.
func WithPaths(paths ...string) Option {
	return func(o *Options) { o.Paths = paths }
}

// WithEnvFiles replaces the dotenv files to load.
func WithEnvFiles(files ...string) Option {
	return func(o *Options) { o.EnvFiles = files }
}

// WithEnvPrefix requires environment overrides to carry prefix.
func WithEnvPrefix(prefix string) Option {
	return func(o *Options) { o.EnvPrefix = prefix }
}

// WithFlag binds key to a command line flag. The flag wins only when it was
// set explicitly.
func WithFlag(key string, f *pflag.Flag) Option {
	return func(o *Options) {
		if f != nil {
			o.flags[key] = f
		}
	}
}

// Config is a loaded, read-only settings tree.
type Config struct {
	v *viper.Viper
}

var _ Settings = (*Config)(nil)

// Load resolves every source named by opts.
func Load(opts ...Option) (*Config, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	for _, f := range o.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config env file %s: %w", f, errors.Join(berr.ErrConfiguration, err))
		}
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(":"))
	v.SetConfigName(o.Name)

	for _, p := range o.Paths {
		v.AddConfigPath(p)
	}

	if o.EnvPrefix != "" {
		v.SetEnvPrefix(o.EnvPrefix)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(":", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read %s: %w", o.Name, errors.Join(berr.ErrConfiguration, err))
		}
	}

	for key, f := range o.flags {
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("config bind flag %s: %w", f.Name, errors.Join(berr.ErrConfiguration, err))
		}
	}

	return &Config{v: v}, nil
}

// GetString returns the value of key or "" when nothing sets it.
func (c *Config) GetString(key string) string { return c.v.GetString(key) }

// File reports the settings file that was read, if any.
func (c *Config) File() string { return c.v.ConfigFileUsed() }

// Map is a fixed Settings, handy in tests. Lookups ignore key case.
type Map map[string]string

// GetString implements Settings.
func (m Map) GetString(key string) string {
	if v, ok := m[key]; ok {
		return v
	}

	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}

	return ""
}
