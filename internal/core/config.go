package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/cask/pkg/checksum"
	"github.com/eteran/cask/pkg/storage/local"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is everything the command line needs to open a storage.
type Config struct {
	PublicURL     string        `mapstructure:"public_url" validate:"required,url"`
	Root          string        `mapstructure:"root" validate:"required"`
	WorkDirectory string        `mapstructure:"work_directory"`
	CreateMode    string        `mapstructure:"create_mode" validate:"required,octal_mode"`
	Checksum      string        `mapstructure:"checksum" validate:"required"`
	Workers       int           `mapstructure:"workers" validate:"gte=0"`
	Journal       string        `mapstructure:"journal"`
	StaleAfter    time.Duration `mapstructure:"stale_after" validate:"gte=0"`
	PartSize      string        `mapstructure:"part_size" validate:"required,byte_size"`
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type ConfigOption func(*Config)

func WithRoot(root string) ConfigOption {
	return func(cfg *Config) {
		cfg.Root = root
	}
}

func WithPublicURL(publicURL string) ConfigOption {
	return func(cfg *Config) {
		cfg.PublicURL = publicURL
	}
}

func WithJournal(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.Journal = path
	}
}

func WithChecksum(alg string) ConfigOption {
	return func(cfg *Config) {
		cfg.Checksum = alg
	}
}

// DefaultConfig returns the settings used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		PublicURL:  "http://localhost:9000/",
		Root:       "./data",
		CreateMode: "0744",
		Checksum:   string(checksum.Default),
		StaleAfter: 24 * time.Hour,
		PartSize:   "8MiB",
		LogLevel:   "info",
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SetDefaults registers the defaults of every key with v.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("public_url", def.PublicURL)
	v.SetDefault("root", def.Root)
	v.SetDefault("work_directory", def.WorkDirectory)
	v.SetDefault("create_mode", def.CreateMode)
	v.SetDefault("checksum", def.Checksum)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("journal", def.Journal)
	v.SetDefault("stale_after", def.StaleAfter)
	v.SetDefault("part_size", def.PartSize)
	v.SetDefault("log_level", def.LogLevel)
}

// LoadConfig reads the configuration from cfgFile, or from cask.yaml in the
// working directory or ~/.cask when cfgFile is empty, and overlays
// CASK_-prefixed environment variables and any flags bound to v.
func LoadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cask"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("cask")
	}

	v.SetEnvPrefix("CASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("octal_mode", func(fl validator.FieldLevel) bool {
		_, err := parseMode(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("byte_size", func(fl validator.FieldLevel) bool {
		_, err := humanize.ParseBytes(fl.Field().String())
		return err == nil
	})

	return v
}

func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s=%q failed on %q", fe.Field(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := checksum.Factory(checksum.Algorithm(cfg.Checksum)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// PartBytes returns the configured multipart part size in bytes.
func (cfg Config) PartBytes() (int, error) {
	size, err := humanize.ParseBytes(cfg.PartSize)
	if err != nil {
		return 0, fmt.Errorf("parse part size: %w", err)
	}

	if size == 0 || size > 1<<31 {
		return 0, fmt.Errorf("part size %s is out of range", cfg.PartSize)
	}

	return int(size), nil
}

// StorageOptions translates cfg into options for the local driver. A
// relative root is resolved against the working directory.
func (cfg Config) StorageOptions() ([]local.Option, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root directory: %w", err)
	}

	mode, err := parseMode(cfg.CreateMode)
	if err != nil {
		return nil, err
	}

	return []local.Option{
		local.WithPublicURL(cfg.PublicURL),
		local.WithRootPath(root),
		local.WithWorkDirectory(cfg.WorkDirectory),
		local.WithCreateMode(mode),
		local.WithChecksum(checksum.Algorithm(cfg.Checksum)),
		local.WithWorkers(cfg.Workers),
	}, nil
}

func parseMode(s string) (fs.FileMode, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("parse create mode %q: %w", s, err)
	}

	if mode == 0 || mode > 0o777 {
		return 0, fmt.Errorf("create mode %q is out of range", s)
	}

	return fs.FileMode(mode), nil
}
