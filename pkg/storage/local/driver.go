package local

import (
	"errors"
	"fmt"

	"github.com/eteran/cask/internal/workpool"
	"github.com/eteran/cask/pkg/storage"
)

// DriverID is the name the local driver is registered under.
const DriverID storage.DriverID = "local"

func init() {
	storage.Register(DriverID, func(config any) (storage.Driver, error) {
		switch cfg := config.(type) {
		case Configuration:
			return NewDriver(cfg)
		case *Configuration:
			return NewDriver(*cfg)
		case []Option:
			built, err := NewConfiguration(cfg...)
			if err != nil {
				return nil, err
			}
			return NewDriver(built)
		default:
			return nil, fmt.Errorf("local driver: unsupported configuration type %T", config)
		}
	})
}

// Driver makes local storages that share one worker pool.
type Driver struct {
	cfg  Configuration
	pool *workpool.Pool
}

// NewDriver validates cfg and starts the worker pool its storages share.
func NewDriver(cfg Configuration) (*Driver, error) {
	if cfg.Fs == nil || cfg.Logger == nil {
		return nil, errors.New("invalid configuration: missing filesystem or logger")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Driver{
		cfg:  cfg,
		pool: workpool.New(cfg.Workers),
	}, nil
}

func (d *Driver) Make() (storage.ObjectStorage, error) {
	return newStorage(d.cfg, d.pool)
}

// Shutdown waits for in-flight work and stops the pool. Storages made
// earlier fail with workpool.ErrClosed afterwards.
func (d *Driver) Shutdown() {
	d.pool.Close()
}
