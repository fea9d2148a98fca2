// Package thresholds resolves breed-specific vital-sign bounds from the external
// thresholds service, degrading to fixed defaults on any failure.
package thresholds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"vitalpaw/internal/breaker"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
)

const (
	thresholdsPath   = "/api/thresholds/"
	defaultTimeout   = 2 * time.Second
	maxResponseBytes = 64 << 10
	breakerName      = "thresholds"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status from thresholds service")
	ErrMalformedBody    = errors.New("malformed thresholds body")
)

// statusError carries the HTTP status of a failed lookup.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnexpectedStatus, e.code)
}

func (e *statusError) Unwrap() error { return ErrUnexpectedStatus }

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPResolver queries GET <base>/api/thresholds/?breed=<breed>.
type HTTPResolver struct {
	baseURL string
	client  Doer
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	cache   *cache
}

// Option configures an HTTPResolver.
type Option func(*resolverOptions)

type resolverOptions struct {
	client          Doer
	timeout         time.Duration
	cacheTTL        time.Duration
	breakerFailures uint32
	breakerOpenFor  time.Duration
	clock           func() time.Time
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(c Doer) Option {
	return func(o *resolverOptions) {
		if c != nil {
			o.client = c
		}
	}
}

// WithTimeout bounds every request to the thresholds service.
func WithTimeout(timeout time.Duration) Option {
	return func(o *resolverOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithCacheTTL enables a per-breed cache of successful lookups. Zero keeps
// every lookup remote.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *resolverOptions) {
		o.cacheTTL = ttl
	}
}

// WithBreaker configures the circuit breaker guarding the service.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(o *resolverOptions) {
		o.breakerFailures = failures
		o.breakerOpenFor = openFor
	}
}

// WithClock overrides time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(o *resolverOptions) {
		if now != nil {
			o.clock = now
		}
	}
}

// NewHTTPResolver builds a resolver for the service at baseURL.
func NewHTTPResolver(baseURL string, opts ...Option) (*HTTPResolver, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("thresholds: invalid base url %q", baseURL)
	}

	o := resolverOptions{
		timeout: defaultTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: o.timeout}
	}

	r := &HTTPResolver{
		baseURL: base,
		client:  o.client,
		timeout: o.timeout,
		breaker: breaker.New(breaker.Settings{
			Name:     breakerName,
			Failures: o.breakerFailures,
			OpenFor:  o.breakerOpenFor,
			IsSuccessful: func(err error) bool {
				// the service answered; a 4xx is about the breed, not service health
				var se *statusError
				return err == nil || (errors.As(err, &se) && se.code >= 400 && se.code < 500)
			},
		}),
	}
	if o.cacheTTL > 0 {
		r.cache = newCache(o.cacheTTL, o.clock)
	}
	return r, nil
}

// Resolve returns the thresholds for breed. It never fails.
func (r *HTTPResolver) Resolve(ctx context.Context, breed string) models.Thresholds {
	if r.cache != nil {
		if th, ok := r.cache.get(breed); ok {
			metrics.ThresholdLookupsTotal.WithLabelValues("cache").Inc()
			return th
		}
	}

	th, err := r.fetchGuarded(ctx, breed)
	if err != nil {
		log := logger.WithComponent("thresholds")
		log.Warn().Err(err).Str("breed", breed).Msg("threshold lookup failed, using defaults")
		metrics.ThresholdLookupsTotal.WithLabelValues("fallback").Inc()
		return models.DefaultThresholds(breed)
	}

	metrics.ThresholdLookupsTotal.WithLabelValues("remote").Inc()
	if r.cache != nil {
		r.cache.put(breed, th)
	}
	return th
}

func (r *HTTPResolver) fetchGuarded(ctx context.Context, breed string) (models.Thresholds, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.fetch(ctx, breed)
	})
	if err != nil {
		return models.Thresholds{}, err
	}
	return res.(models.Thresholds), nil
}

func (r *HTTPResolver) fetch(ctx context.Context, breed string) (models.Thresholds, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	endpoint := r.baseURL + thresholdsPath + "?" + url.Values{"breed": {breed}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Thresholds{}, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	metrics.ThresholdLookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return models.Thresholds{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return models.Thresholds{}, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Thresholds{}, err
	}
	th, err := models.DecodeThresholds(body)
	if err != nil {
		return models.Thresholds{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if th.Breed == "" {
		th.Breed = breed
	}
	return th, nil
}
