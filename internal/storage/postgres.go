package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPetsTable = "pets"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid table name")

// PetStore reads pet records owned by the account service. It never writes.
type PetStore struct {
	db    DBTX
	table string
	query string
}

// PetStoreOption configures a PetStore.
type PetStoreOption func(*PetStore)

// WithPetsTable overrides the default table name.
func WithPetsTable(table string) PetStoreOption {
	return func(s *PetStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewPetStore constructs a store over db.
func NewPetStore(db DBTX, opts ...PetStoreOption) (*PetStore, error) {
	if db == nil {
		return nil, errors.New("pet store: nil db")
	}
	s := &PetStore{db: db, table: defaultPetsTable}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("pet store: %w: %q", ErrInvalidTable, s.table)
	}
	s.query = fmt.Sprintf(`SELECT breed FROM %s WHERE id::text = $1 LIMIT 1`, s.table)
	return s, nil
}

// FindBreed loads the breed column for petID. A missing row or a NULL/blank
// breed reports ok=false.
func (s *PetStore) FindBreed(ctx context.Context, petID string) (string, bool, error) {
	if petID == "" {
		return "", false, nil
	}

	var breed sql.NullString
	if err := s.db.QueryRowContext(ctx, s.query, petID).Scan(&breed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pet store: find breed %s: %w", petID, err)
	}

	value := strings.TrimSpace(breed.String)
	if !breed.Valid || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// OpenPostgres opens a pgx-backed *sql.DB and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
