package session

import (
	"context"

	"github.com/yanun0323/errors"

	"sitesync/internal/config"
	"sitesync/internal/storage"
	"sitesync/internal/storage/file"
	"sitesync/internal/storage/postgres"
	"sitesync/internal/storage/redis"
	"sitesync/internal/storage/sqlite"
	"sitesync/pkg/exception"
)

// OpenStorage opens the queue store cfg selects. Release it with
// storage.Close.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return storage.NewMemory(cfg.MaxBytes), nil
	case config.DriverFile:
		s, err := file.New(cfg.Path, cfg.MaxBytes)
		if err != nil {
			return nil, errors.Wrap(err, "open file storage")
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Path, cfg.MaxBytes)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite storage")
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(postgres.Option{
			ConnString: cfg.DSN,
			Table:      cfg.Table,
			MaxBytes:   cfg.MaxBytes,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open postgres storage")
		}
		return s, nil
	case config.DriverRedis:
		s, err := redis.New(ctx, redis.Option{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
			MaxBytes: cfg.MaxBytes,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open redis storage")
		}
		return s, nil
	default:
		return nil, errors.Wrap(exception.ErrArgumentUnsupported, "storage driver "+cfg.Driver)
	}
}
