package local

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/eteran/cask/pkg/checksum"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
)

// DefaultCreateMode is applied to every directory and file the driver creates.
const DefaultCreateMode fs.FileMode = 0o744

// Configuration holds the settings of a local object storage. It is
// immutable once built by NewConfiguration.
type Configuration struct {
	// PublicURL is the base every resolved object URL starts with.
	PublicURL string `validate:"required,url"`

	// RootPath is the absolute directory objects are stored under.
	RootPath string `validate:"required"`

	// WorkDirectory is an optional path segment between the root and the key,
	// used both on disk and in public URLs.
	WorkDirectory string

	CreateMode fs.FileMode        `validate:"required"`
	Checksum   checksum.Algorithm `validate:"required"`
	Workers    int                `validate:"gte=0"`

	Fs     afero.Fs     `validate:"-"`
	Logger *slog.Logger `validate:"-"`
}

type Option func(*Configuration)

func WithPublicURL(publicURL string) Option {
	return func(cfg *Configuration) {
		cfg.PublicURL = publicURL
	}
}

func WithRootPath(rootPath string) Option {
	return func(cfg *Configuration) {
		cfg.RootPath = rootPath
	}
}

func WithWorkDirectory(workDirectory string) Option {
	return func(cfg *Configuration) {
		cfg.WorkDirectory = workDirectory
	}
}

func WithCreateMode(mode fs.FileMode) Option {
	return func(cfg *Configuration) {
		cfg.CreateMode = mode
	}
}

func WithChecksum(alg checksum.Algorithm) Option {
	return func(cfg *Configuration) {
		cfg.Checksum = alg
	}
}

// WithWorkers sets the number of filesystem calls allowed in flight. Zero
// means one per CPU.
func WithWorkers(workers int) Option {
	return func(cfg *Configuration) {
		cfg.Workers = workers
	}
}

// WithFs replaces the filesystem objects are stored on. The default is the
// operating system's.
func WithFs(fsys afero.Fs) Option {
	return func(cfg *Configuration) {
		cfg.Fs = fsys
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Configuration) {
		cfg.Logger = logger
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// NewConfiguration applies opts over the defaults and validates the result.
func NewConfiguration(opts ...Option) (Configuration, error) {
	cfg := Configuration{
		CreateMode: DefaultCreateMode,
		Checksum:   checksum.Default,
		Workers:    runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}

	return cfg, nil
}

// Validate reports the first problem found in cfg.
func (cfg Configuration) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid configuration: %s failed on %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !filepath.IsAbs(cfg.RootPath) {
		return fmt.Errorf("invalid configuration: root path %q is not absolute", cfg.RootPath)
	}

	if _, err := checksum.Factory(cfg.Checksum); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
