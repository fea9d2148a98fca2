package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"vitalpaw/internal/alerts"
	"vitalpaw/internal/breed"
	"vitalpaw/internal/config"
	"vitalpaw/internal/handlers"
	"vitalpaw/internal/kafka"
	"vitalpaw/internal/logger"
	"vitalpaw/internal/metrics"
	"vitalpaw/internal/middleware"
	"vitalpaw/internal/mqtt"
	"vitalpaw/internal/push"
	"vitalpaw/internal/queue"
	"vitalpaw/internal/storage"
	"vitalpaw/internal/thresholds"
	"vitalpaw/internal/tokens"
	"vitalpaw/internal/worker"
)

// Deps are pre-built clients. Nil fields are built from config.
type Deps struct {
	Redis       redis.UniversalClient
	DB          *sql.DB
	Sender      push.Sender
	MQTTClients mqtt.ClientFactory
	KafkaReader kafka.MessageReader
}

// Processor is the high-level coordinator for ingesting, evaluating, and alerting.
type Processor struct {
	cfg  *config.Config
	deps Deps

	redis      redis.UniversalClient
	db         *sql.DB
	queue      queue.Queue
	loop       *worker.Loop
	listener   *mqtt.Listener
	consumer   *kafka.Consumer
	httpServer *http.Server
	addr       net.Addr
	ready      chan struct{}

	sources sync.WaitGroup
	wg      sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return NewWithDeps(cfg, Deps{})
}

// NewWithDeps constructs a Processor that uses the supplied clients.
// Clients passed in are not closed on shutdown.
func NewWithDeps(cfg *config.Config, deps Deps) *Processor {
	return &Processor{
		cfg:   cfg,
		deps:  deps,
		ready: make(chan struct{}),
	}
}

// Ready is closed once every component is running.
func (p *Processor) Ready() <-chan struct{} {
	return p.ready
}

// Addr is the bound address of the HTTP server; valid after Ready.
func (p *Processor) Addr() string {
	if p.addr == nil {
		return ""
	}
	return p.addr.String()
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Strs("sources", p.cfg.Ingest.Sources).Msg("processor starting")

	if err := p.initStores(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize stores")
		p.closeClients()
		return fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := p.initLoop(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize evaluation loop")
		p.closeClients()
		return fmt.Errorf("failed to initialize evaluation loop: %w", err)
	}

	if err := p.initSources(); err != nil {
		log.Error().Err(err).Msg("failed to initialize ingest sources")
		p.closeClients()
		return fmt.Errorf("failed to initialize ingest sources: %w", err)
	}

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.closeClients()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}
	p.addr = ln.Addr()
	p.initHTTPServer()

	p.loop.Start()
	p.startSources(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.addr.String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	close(p.ready)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// initStores connects Redis and Postgres and builds the work queue.
func (p *Processor) initStores(ctx context.Context) error {
	log := logger.WithComponent("processor")
	rc := p.cfg.Redis

	p.redis = p.deps.Redis
	if p.redis == nil {
		p.redis = redis.NewClient(&redis.Options{
			Addr:        rc.Addr,
			Password:    rc.Password,
			DB:          rc.DB,
			DialTimeout: rc.DialTimeout,
			ReadTimeout: rc.ReadTimeout,
		})
	}

	q, err := queue.NewRedisQueue(p.redis,
		queue.WithKey(rc.QueueKey),
		queue.WithMaxDepth(rc.QueueMaxDepth),
	)
	if err != nil {
		return err
	}
	p.queue = q

	p.db = p.deps.DB
	if p.db == nil && p.cfg.Postgres.DSN != "" {
		db, err := storage.OpenPostgres(ctx, p.cfg.Postgres.DSN, p.cfg.Postgres.MaxOpenConns)
		if err != nil {
			// Breed lookups fall back to the default breed until restart.
			log.Warn().Err(err).Msg("pet store unavailable, breed lookups will use the default breed")
		} else {
			p.db = db
		}
	}

	log.Info().
		Str("redis_addr", rc.Addr).
		Str("queue_key", q.Key()).
		Bool("pet_store", p.db != nil).
		Msg("stores initialized")
	return nil
}

// initLoop builds the resolvers, dispatcher and evaluation loop.
func (p *Processor) initLoop(ctx context.Context) error {
	log := logger.WithComponent("processor")

	var finder storage.BreedFinder
	if p.db != nil {
		store, err := storage.NewPetStore(p.db, storage.WithPetsTable(p.cfg.Postgres.PetsTable))
		if err != nil {
			return err
		}
		finder = store
	}
	breeds := breed.NewResolver(finder,
		breed.WithFallback(p.cfg.Thresholds.DefaultBreed),
		breed.WithTimeout(p.cfg.Postgres.LookupTimeout),
	)

	tc := p.cfg.Thresholds
	resolver, err := thresholds.NewHTTPResolver(tc.BaseURL,
		thresholds.WithTimeout(tc.Timeout),
		thresholds.WithCacheTTL(tc.CacheTTL),
		thresholds.WithBreaker(tc.BreakerFailures, tc.BreakerOpenFor),
	)
	if err != nil {
		return err
	}

	sender, err := p.newSender(ctx)
	if err != nil {
		return err
	}

	pc := p.cfg.Push
	store := tokens.NewRedisStore(p.redis, p.cfg.Redis.TokenPrefix, p.cfg.Redis.TokenTTL)
	dispatcher, err := alerts.NewDispatcher(store, sender,
		alerts.WithSendTimeout(pc.Timeout),
		alerts.WithTokenTimeout(pc.TokenTimeout),
		alerts.WithBreaker(pc.BreakerFailures, pc.BreakerOpenFor),
	)
	if err != nil {
		return err
	}

	p.loop = worker.NewLoop(worker.Config{
		Queue:      p.queue,
		Breeds:     breeds,
		Thresholds: resolver,
		Dispatcher: dispatcher,
		Period:     p.cfg.Evaluator.Period,
	})

	log.Info().
		Dur("period", p.cfg.Evaluator.Period).
		Str("thresholds_url", tc.BaseURL).
		Str("push_provider", pc.Provider).
		Msg("evaluation loop initialized")
	return nil
}

func (p *Processor) newSender(ctx context.Context) (push.Sender, error) {
	if p.deps.Sender != nil {
		return p.deps.Sender, nil
	}
	switch p.cfg.Push.Provider {
	case "fcm":
		sender, err := push.NewFCMSender(ctx, p.cfg.Push.ProjectID, p.cfg.Push.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("init fcm: %w", err)
		}
		return sender, nil
	default:
		return push.LogSender{}, nil
	}
}

// initSources builds the configured ingest transports.
func (p *Processor) initSources() error {
	pushTimeout := p.cfg.Ingest.PushTimeout

	if p.cfg.HasSource(config.SourceMQTT) {
		l, err := mqtt.NewListener(p.cfg.MQTT, p.queue,
			mqtt.WithClientFactory(p.deps.MQTTClients),
			mqtt.WithPushTimeout(pushTimeout),
		)
		if err != nil {
			return err
		}
		p.listener = l
	}

	if p.cfg.HasSource(config.SourceKafka) {
		opts := []kafka.ConsumerOption{kafka.WithPushTimeout(pushTimeout)}
		if p.deps.KafkaReader != nil {
			opts = append(opts, kafka.WithReader(p.deps.KafkaReader))
		}
		c, err := kafka.NewConsumer(p.cfg.Kafka, p.queue, opts...)
		if err != nil {
			return err
		}
		p.consumer = c
	}
	return nil
}

func (p *Processor) startSources(ctx context.Context) {
	log := logger.WithComponent("processor")

	if p.listener != nil {
		p.sources.Add(1)
		go func() {
			defer p.sources.Done()
			if err := p.listener.Start(ctx); err != nil {
				// Evaluation keeps draining what is already queued.
				log.Error().Err(err).Msg("mqtt listener stopped")
			}
		}()
	}

	if p.consumer != nil {
		p.sources.Add(1)
		go func() {
			defer p.sources.Done()
			if err := p.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}
}

// initHTTPServer builds the ops router.
func (p *Processor) initHTTPServer() {
	r := chi.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging)

	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/api/v1/readings", handlers.NewReadingsHandler(handlers.ReadingsConfig{
		Queue:       p.queue,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
		PushTimeout: p.cfg.Ingest.PushTimeout,
	}))

	p.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop ingest so nothing new is queued
	if p.listener != nil {
		p.listener.Stop()
	}
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}
	p.sources.Wait()
	log.Info().Msg("ingest sources stopped")

	// 2. Let the in-flight drain finish; the rest stays queued
	done := make(chan struct{})
	go func() {
		p.loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("evaluation loop shutdown timeout - forcing exit")
	}

	// 3. Stop the HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 4. Close clients
	p.closeClients()

	p.wg.Wait()
	log.Info().Msg("processor stopped gracefully")
	return nil
}

func (p *Processor) closeClients() {
	log := logger.WithComponent("processor")

	if p.queue != nil {
		if err := p.queue.Close(); err != nil {
			log.Error().Err(err).Msg("queue close error")
		}
	}
	if p.redis != nil && p.deps.Redis == nil {
		if err := p.redis.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}
	if p.db != nil && p.deps.DB == nil {
		if err := p.db.Close(); err != nil {
			log.Error().Err(err).Msg("postgres close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.snapshot(ctx)
			metrics.QueueDepth.Set(float64(stats.QueueDepth))

			log.Info().
				Uint64("processed", stats.Evaluator.Processed).
				Uint64("malformed", stats.Evaluator.Malformed).
				Uint64("alerted", stats.Evaluator.Alerted).
				Uint64("skipped_ticks", stats.Evaluator.SkippedTicks).
				Int64("queue_depth", stats.QueueDepth).
				Str("mqtt_state", stats.MQTTState).
				Msg("stats")
		}
	}
}

// Stats is the /stats payload.
type Stats struct {
	Evaluator  worker.Stats         `json:"evaluator"`
	MQTT       *mqtt.Stats          `json:"mqtt,omitempty"`
	MQTTState  string               `json:"mqtt_state,omitempty"`
	Kafka      *kafka.ConsumerStats `json:"kafka,omitempty"`
	QueueDepth int64                `json:"queue_depth"`
}

func (p *Processor) snapshot(ctx context.Context) Stats {
	s := Stats{Evaluator: p.loop.Stats(), QueueDepth: -1}
	if p.listener != nil {
		ls := p.listener.Stats()
		s.MQTT = &ls
		s.MQTTState = p.listener.State().String()
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Kafka = &cs
	}
	if depth, err := p.queue.Len(ctx); err == nil {
		s.QueueDepth = depth
	}
	return s
}

// Health is the /health payload.
type Health struct {
	Status    string `json:"status"`
	Redis     string `json:"redis"`
	MQTT      string `json:"mqtt,omitempty"`
	Timestamp string `json:"timestamp"`
}

// healthHandler reports 503 when Redis is unreachable or MQTT has given up.
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h := Health{Status: "healthy", Redis: "ok", Timestamp: time.Now().Format(time.RFC3339)}
	status := http.StatusOK

	if err := p.redis.Ping(ctx).Err(); err != nil {
		h.Status, h.Redis = "unhealthy", err.Error()
		status = http.StatusServiceUnavailable
	}
	if p.listener != nil {
		state := p.listener.State()
		h.MQTT = state.String()
		if state == mqtt.StateFaulted {
			h.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, h)
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.snapshot(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
