package storage

import (
	"context"
	"database/sql"
)

// DBTX is the subset of *sql.DB used by the stores.
type DBTX interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BreedFinder resolves a pet's breed from the persistence collaborator.
type BreedFinder interface {
	// FindBreed returns ok=false when the pet does not exist or has no breed.
	FindBreed(ctx context.Context, petID string) (breed string, ok bool, err error)
}
