// Package jwks caches the published signing keys of federated issuers.
package jwks

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/totegamma/clearance/core"
)

var tracer = otel.Tracer("jwks")

// documents larger than this are rejected outright
const maxDocumentSize = 1 << 20

type entry struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

type service struct {
	client *http.Client
	config core.Config

	mutex sync.RWMutex
	cache map[string]entry

	fetches singleflight.Group
}

// NewService creates a new jwks service
func NewService(config core.Config) core.JwksService {
	return &service{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   config.Clearance.Jwks.Timeout(),
		},
		config: config,
		cache:  make(map[string]entry),
	}
}

func (s *service) GetKey(ctx context.Context, uri string, kid string) (crypto.PublicKey, error) {
	ctx, span := tracer.Start(ctx, "Jwks.Service.GetKey")
	defer span.End()

	span.SetAttributes(attribute.String("uri", uri), attribute.String("kid", kid))

	cached, ok := s.lookup(uri)
	if ok && time.Since(cached.fetchedAt) < s.config.Clearance.Jwks.TTL() {
		if key, ok := cached.keys[kid]; ok {
			return key, nil
		}
		// unknown kid within the ttl usually means the issuer rotated, so refetch
	}

	fresh, err := s.fetch(ctx, uri)
	if err != nil {
		span.RecordError(err)
		// a dead origin keeps stale keys usable, but only for a bounded window
		if ok && time.Since(cached.fetchedAt) < s.config.Clearance.Jwks.Staleness() {
			if key, ok := cached.keys[kid]; ok {
				return key, nil
			}
		}
		return nil, core.NewErrorJwksFetchFailed(uri)
	}

	if key, ok := fresh.keys[kid]; ok {
		return key, nil
	}

	return nil, core.NewErrorKeyNotFound(kid)
}

func (s *service) Refresh(ctx context.Context, uri string) error {
	ctx, span := tracer.Start(ctx, "Jwks.Service.Refresh")
	defer span.End()

	span.SetAttributes(attribute.String("uri", uri))

	_, err := s.fetch(ctx, uri)
	if err != nil {
		span.RecordError(err)
		return core.NewErrorJwksFetchFailed(uri)
	}

	return nil
}

func (s *service) lookup(uri string) (entry, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cached, ok := s.cache[uri]
	return cached, ok
}

// fetch coalesces concurrent fetches of the same uri into a single request
func (s *service) fetch(ctx context.Context, uri string) (entry, error) {
	result, err, _ := s.fetches.Do(uri, func() (any, error) {
		keys, err := s.fetchKeys(ctx, uri)
		if err != nil {
			return entry{}, err
		}

		fresh := entry{keys: keys, fetchedAt: time.Now()}

		s.mutex.Lock()
		s.cache[uri] = fresh
		s.mutex.Unlock()

		return fresh, nil
	})
	if err != nil {
		return entry{}, err
	}

	return result.(entry), nil
}

func (s *service) fetchKeys(ctx context.Context, uri string) (map[string]crypto.PublicKey, error) {
	var lastErr error

	for attempt := 0; attempt < s.config.Clearance.Jwks.Retries(); attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		keys, err := s.fetchOnce(ctx, uri)
		if err == nil {
			return keys, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

func (s *service) fetchOnce(ctx context.Context, uri string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}

	var document core.JWKSet
	err = json.Unmarshal(body, &document)
	if err != nil {
		return nil, err
	}

	keys := map[string]crypto.PublicKey{}
	for _, jwk := range document.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := parseJWK(jwk)
		if err != nil {
			// one unusable key should not take the whole document down
			continue
		}
		keys[jwk.Kid] = key
	}

	return keys, nil
}

func parseJWK(jwk core.JWK) (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(jwk.N)
		if err != nil {
			return nil, err
		}
		e, err := base64.RawURLEncoding.DecodeString(jwk.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		if jwk.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %s", jwk.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, err
		}
		y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	}

	return nil, fmt.Errorf("unsupported key type %s", jwk.Kty)
}
