package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Keksclan/tenantgate/breaker"
	"github.com/Keksclan/tenantgate/cache"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout    = 5 * time.Second
	defaultDocumentTTL     = 10 * time.Minute
	defaultMinRefresh      = 30 * time.Second
	maxDocumentSize        = 1 << 20
	instrumentationName    = "github.com/Keksclan/tenantgate/token"
	documentCacheKeyPrefix = "jwks:"
)

var errUnknownKeyID = errors.New("jwks: no signing key for kid")

// KeySet resolves token signing keys from a JWKS endpoint. Parsed keys are
// held in process for the life of the KeySet and refreshed lazily when a
// token names a key id that is not known. The raw document is also stored
// in a cache.Cache so replicas sharing an L2 can skip the first fetch.
type KeySet struct {
	url        string
	client     *http.Client
	docs       cache.Cache
	docTTL     time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	breaker    *breaker.Breaker
	log        *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu          sync.RWMutex
	keys        map[string]any
	loaded      bool
	lastFetched time.Time
	lastErr     error

	// refreshing holds one token while a caller loads or refreshes keys, so
	// a burst of unknown-kid tokens produces a single fetch. Waiters give up
	// when their context ends.
	refreshing chan struct{}
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithHTTPClient sets the client used to fetch the key document.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(k *KeySet) {
		if c != nil {
			k.client = c
		}
	}
}

// WithDocumentCache stores fetched documents in c for ttl.
func WithDocumentCache(c cache.Cache, ttl time.Duration) KeySetOption {
	return func(k *KeySet) {
		k.docs = c
		if ttl > 0 {
			k.docTTL = ttl
		}
	}
}

// WithFetchTimeout bounds each fetch. The caller's deadline still applies
// when it is shorter.
func WithFetchTimeout(d time.Duration) KeySetOption {
	return func(k *KeySet) { k.timeout = d }
}

// WithMinRefreshInterval limits how often an unknown kid may force a fetch.
func WithMinRefreshInterval(d time.Duration) KeySetOption {
	return func(k *KeySet) { k.minRefresh = d }
}

// WithBreaker replaces the circuit breaker guarding fetches.
func WithBreaker(b *breaker.Breaker) KeySetOption {
	return func(k *KeySet) { k.breaker = b }
}

// WithKeySetLogger sets the logger.
func WithKeySetLogger(l *zap.Logger) KeySetOption {
	return func(k *KeySet) { k.log = l }
}

// WithKeySetTracerProvider sets the tracer provider used for fetch spans.
func WithKeySetTracerProvider(tp trace.TracerProvider) KeySetOption {
	return func(k *KeySet) { k.tracer = tp.Tracer(instrumentationName) }
}

// NewKeySet returns a KeySet for the JWKS document at url.
func NewKeySet(url string, opts ...KeySetOption) (*KeySet, error) {
	if url == "" {
		return nil, errors.New("jwks: url is required")
	}
	k := &KeySet{
		url:        url,
		client:     &http.Client{Timeout: defaultFetchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		docTTL:     defaultDocumentTTL,
		timeout:    defaultFetchTimeout,
		minRefresh: defaultMinRefresh,
		breaker:    breaker.New(breaker.DefaultConfig),
		log:        zap.NewNop(),
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		now:        time.Now,
		keys:       make(map[string]any),
		refreshing: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(k)
	}
	if k.docs == nil {
		l1, err := cache.NewL1(64)
		if err != nil {
			return nil, err
		}
		k.docs = l1
	}
	return k, nil
}

// Key returns the public key for kid. An empty kid resolves only when the
// set holds exactly one key.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}

	select {
	case k.refreshing <- struct{}{}:
		defer func() { <-k.refreshing }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Another caller may have refreshed while we waited.
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}

	if !k.isLoaded() {
		doc, err := k.initialDocument(ctx)
		if err != nil {
			return nil, err
		}
		if err := k.install(doc); err != nil {
			return nil, err
		}
		if key, ok := k.lookup(kid); ok {
			return key, nil
		}
	}

	if !k.refreshDue() {
		return nil, errUnknownKeyID
	}
	doc, err := k.fetch(ctx)
	if err != nil {
		return nil, err
	}
	_ = k.docs.Set(ctx, k.cacheKey(), doc, k.docTTL)
	if err := k.install(doc); err != nil {
		return nil, err
	}
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	return nil, errUnknownKeyID
}

// Len returns the number of usable keys currently held.
func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// initialDocument reads the shared document cache, fetching on a miss. After
// a failed fetch the endpoint is not retried until the refresh interval has
// passed; callers fail fast with the last error instead.
func (k *KeySet) initialDocument(ctx context.Context) ([]byte, error) {
	if k.refreshDue() {
		return k.docs.GetOrSet(ctx, k.cacheKey(), k.docTTL, k.fetch)
	}
	if doc, ok, _ := k.docs.Get(ctx, k.cacheKey()); ok {
		return doc, nil
	}
	k.mu.RLock()
	err := k.lastErr
	k.mu.RUnlock()
	if err == nil {
		err = errors.New("jwks: signing keys unavailable")
	}
	return nil, err
}

func (k *KeySet) cacheKey() string { return documentCacheKeyPrefix + k.url }

func (k *KeySet) lookup(kid string) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" {
		if len(k.keys) != 1 {
			return nil, false
		}
		for _, key := range k.keys {
			return key, true
		}
	}
	key, ok := k.keys[kid]
	return key, ok
}

func (k *KeySet) isLoaded() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.loaded
}

func (k *KeySet) refreshDue() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastFetched.IsZero() || k.now().Sub(k.lastFetched) >= k.minRefresh
}

// install parses doc and replaces the held keys. Keys that are not RSA or
// ECDSA public keys, or that are marked for a use other than signing, are
// ignored.
func (k *KeySet) install(doc []byte) error {
	set, err := jwk.Parse(doc)
	if err != nil {
		return fmt.Errorf("jwks: parse: %w", err)
	}
	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		switch raw.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
			keys[key.KeyID()] = raw
		}
	}
	if len(keys) == 0 {
		return errors.New("jwks: document holds no usable signing keys")
	}

	k.mu.Lock()
	k.keys = keys
	k.loaded = true
	k.mu.Unlock()
	return nil
}

func (k *KeySet) fetch(ctx context.Context) ([]byte, error) {
	ctx, span := k.tracer.Start(ctx, "jwks.fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("url.full", k.url))

	// The fetch timeout is applied inside the breaker so a hanging endpoint
	// counts as a failure; only the caller's own cancellation is excused.
	var body []byte
	err := k.breaker.Do(ctx, func(ctx context.Context) error {
		if k.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, k.timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := k.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		return err
	})

	// A caller that gave up says nothing about the endpoint, so it does not
	// hold off the next attempt.
	if err == nil || ctx.Err() == nil {
		k.mu.Lock()
		k.lastFetched = k.now()
		k.lastErr = err
		k.mu.Unlock()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		k.log.Warn("jwks fetch failed", zap.String("url", k.url), zap.Error(err))
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	k.log.Debug("jwks fetched", zap.String("url", k.url), zap.Int("bytes", len(body)))
	return body, nil
}
