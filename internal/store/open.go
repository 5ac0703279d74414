package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/history"
)

// Archive is a history.Archive that holds a connection.
type Archive interface {
	history.Archive
	Close() error
}

// Options selects and configures an archive backend.
type Options struct {
	Type string        // "", "none", "file", "sqlite", "postgres" or "redis"
	Path string        // file directory or sqlite database path
	DSN  string        // postgres
	URL  string        // redis
	TTL  time.Duration // redis key expiry
}

type fileArchive struct{ *history.FileArchive }

func (fileArchive) Close() error { return nil }

// Open returns the configured backend, or nil when archiving is disabled.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Archive, error) {
	switch opts.Type {
	case "", "none":
		return nil, nil
	case "file":
		fa, err := history.NewFileArchive(opts.Path)
		if err != nil {
			return nil, err
		}
		return fileArchive{fa}, nil
	case "sqlite":
		db, err := NewSQLite(opts.Path, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		pg, err := NewPostgres(ctx, opts.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "redis":
		r, err := NewRedis(ctx, opts.URL, opts.TTL, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown archive type %q", opts.Type)
	}
}
