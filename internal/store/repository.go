// Package store provides the persistence backends for intents and escrow
// entries: process memory, a kv.Store (Redis or memory), or PostgreSQL.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/pkg/kv"
)

// Backend selects a repository implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendKV       Backend = "kv"
	BackendPostgres Backend = "postgres"
)

// Repository is an intent.Repository that owns closable resources.
type Repository interface {
	intent.Repository
	io.Closer
}

// Options configure Open.
type Options struct {
	Backend     Backend
	PostgresDSN string
	// KV is required for BackendKV.
	KV kv.Store
	// Migrate applies the embedded migrations when opening PostgreSQL.
	Migrate bool
}

// Open returns the repository for opts.Backend.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryRepository(), nil

	case BackendKV:
		if opts.KV == nil {
			return nil, fmt.Errorf("kv store is required for backend %q", opts.Backend)
		}
		return NewKVRepository(opts.KV), nil

	case BackendPostgres:
		repo, err := NewPostgresRepository(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				repo.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s (supported: %s, %s, %s)",
			opts.Backend, BackendMemory, BackendKV, BackendPostgres)
	}
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*KVRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
