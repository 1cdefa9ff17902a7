package store

import (
	"context"
	"fmt"

	"github.com/ahrav/go-evalpipe/internal/configuration"
)

// Open returns the adapter selected by cfg.Driver.
func Open(ctx context.Context, cfg configuration.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
