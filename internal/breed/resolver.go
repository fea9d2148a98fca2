// Package breed maps a pet identifier to the breed used for threshold selection.
package breed

import (
	"context"
	"time"

	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
	"vitalpaw/internal/storage"
)

const defaultLookupTimeout = time.Second

// Resolver never fails: unknown pets, lookup errors and timeouts all yield the
// fallback breed.
type Resolver struct {
	finder   storage.BreedFinder
	fallback string
	timeout  time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback overrides models.DefaultBreed.
func WithFallback(breed string) Option {
	return func(r *Resolver) {
		if breed != "" {
			r.fallback = breed
		}
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewResolver builds a resolver over finder. A nil finder always resolves the fallback.
func NewResolver(finder storage.BreedFinder, opts ...Option) *Resolver {
	r := &Resolver{
		finder:   finder,
		fallback: models.DefaultBreed,
		timeout:  defaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the breed of petID or the fallback breed.
func (r *Resolver) Resolve(ctx context.Context, petID string) string {
	if r.finder == nil {
		metrics.BreedLookupsTotal.WithLabelValues("default").Inc()
		return r.fallback
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	breed, ok, err := r.finder.FindBreed(ctx, petID)
	if err != nil {
		log := logger.WithPet("breed_resolver", petID)
		log.Warn().Err(err).Str("fallback", r.fallback).Msg("breed lookup failed")
		metrics.BreedLookupsTotal.WithLabelValues("error").Inc()
		return r.fallback
	}
	if !ok {
		metrics.BreedLookupsTotal.WithLabelValues("default").Inc()
		return r.fallback
	}

	metrics.BreedLookupsTotal.WithLabelValues("found").Inc()
	return breed
}
