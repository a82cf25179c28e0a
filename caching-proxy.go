package cachingproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/caching-proxy/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Storage for cached bodies. An in-memory map is used if nil.
	Cache cache.CacheProvider
	// Base URL of the origin server.
	// It is used verbatim as the cache key prefix, so it is not normalized.
	OriginURL string
	// Client used for origin requests. Shared by all requests.
	// If nil, a client with OriginTimeout is created.
	Client *http.Client
	// Timeout for origin requests. Zero means no timeout.
	OriginTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// CachingProxy forwards requests to a single origin and remembers
// the response bodies by forwarded URL.
type CachingProxy struct {
	cache     cache.CacheProvider
	originURL string
	client    *http.Client
	log       zerolog.Logger
}

// CreateProxy initializes the caching proxy instance.
func CreateProxy(config Config) *CachingProxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL).
		Logger()

	c := config.Cache
	if c == nil {
		c = cache.NewMemCache()
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.OriginTimeout}
	}

	return &CachingProxy{
		cache:     c,
		originURL: config.OriginURL,
		client:    client,
		log:       logger,
	}
}

// Key returns the cache key for a request: the origin URL followed by
// the request path and query, exactly as received.
func (p *CachingProxy) Key(r *http.Request) string {
	return p.originURL + r.URL.RequestURI()
}

// ServeHTTP implements the http.Handler interface.
// Each call is independent; the cache is the only state shared between them.
func (p *CachingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := p.Key(r)
	logger := p.requestLogger(r).With().Str("key", key).Logger()

	if body, ok := p.lookup(key, &logger); ok {
		p.markStatus(w, r, CacheStatusHit)
		logger.Info().Msg("Cache HIT")
		writeResponse(w, http.StatusOK, body, &logger)
		return
	}

	p.markStatus(w, r, CacheStatusMiss)
	logger.Info().Msg("Cache MISS")

	body, err := p.fetch(r, key)
	if err != nil {
		logger.Error().Err(err).Str("method", r.Method).Msg("Error forwarding request")
		writeResponse(w, http.StatusInternalServerError, []byte(internalServerError), &logger)
		return
	}

	// store whatever the origin answered, error statuses included
	if err := p.cache.Set(key, body); err != nil {
		logger.Error().Err(err).Msg("Could not write to cache")
	} else {
		logger.Trace().Int("bytes", len(body)).Msg("Cache write")
	}

	writeResponse(w, http.StatusOK, body, &logger)
}

// lookup reads the key from the cache. A failing cache counts as a miss.
func (p *CachingProxy) lookup(key string, logger *zerolog.Logger) ([]byte, bool) {
	body, ok, err := p.cache.Get(key)
	if err != nil {
		logger.Error().Err(err).Msg("Could not retrieve from cache")
		return nil, false
	}
	return body, ok
}

// fetch sends a bare request with the incoming method to the given URL
// and returns the complete response body.
// Headers and body of the incoming request are not forwarded.
func (p *CachingProxy) fetch(r *http.Request, url string) ([]byte, error) {
	// a client hanging up must not abort the origin call or the cache write
	ctx := context.WithoutCancel(r.Context())
	req, err := http.NewRequestWithContext(ctx, r.Method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create origin request: %w", err)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin response: %w", err)
	}
	p.log.Trace().
		Str("url", url).
		Int("http-status", res.StatusCode).
		Msg("Origin responded")
	return body, nil
}

// markStatus sets the cache status header and tags the request logger with it,
// so the access log line carries the status too.
func (p *CachingProxy) markStatus(w http.ResponseWriter, r *http.Request, cs CacheStatus) {
	w.Header().Set(CacheStatusHeader, cs.String())
	hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("cache", cs.String())
	})
}

// requestLogger returns the logger for a request.
// The request scoped logger from hlog is used when the proxy sits behind
// hlog.NewHandler, otherwise the proxy's own logger.
func (p *CachingProxy) requestLogger(r *http.Request) zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return p.log
	}
	return *logger
}
