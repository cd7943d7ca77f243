// Package token verifies bearer tokens and returns their claims.
//
// Two modes exist. When a JWKS URL is configured, tokens must be signed with
// RS256 or ES256 by a key published at that URL. When no JWKS URL is
// configured and a development secret is present, HS256 tokens signed with
// that secret are accepted instead. The two modes never mix.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Config selects the validation mode and claim checks.
type Config struct {
	// JWKSURL enables asymmetric validation against a published key set.
	JWKSURL string
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string
	// DevSecret enables HS256 validation when JWKSURL is empty.
	DevSecret string
	// Leeway tolerates clock skew on exp, iat and nbf.
	Leeway time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithKeySet supplies the key set used in JWKS mode instead of building one
// from Config.JWKSURL.
func WithKeySet(ks *KeySet) Option {
	return func(v *Validator) { v.keys = ks }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// Validator checks token signatures and standard claims.
type Validator struct {
	cfg    Config
	keys   *KeySet
	secret []byte
	log    *zap.Logger
	now    func() time.Time
}

// NewValidator returns a Validator for cfg. A Validator without any key
// material is valid to construct; every call to Validate then fails with
// reason misconfigured.
func NewValidator(cfg Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		cfg: cfg,
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	if cfg.JWKSURL == "" && v.keys == nil && cfg.DevSecret != "" {
		v.secret = []byte(cfg.DevSecret)
	}
	if cfg.JWKSURL != "" && v.keys == nil {
		ks, err := NewKeySet(cfg.JWKSURL, WithKeySetLogger(v.log))
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		v.keys = ks
	}
	return v, nil
}

// Mode reports "jwks", "hs256" or "none".
func (v *Validator) Mode() string {
	switch {
	case v.keys != nil:
		return "jwks"
	case v.secret != nil:
		return "hs256"
	default:
		return "none"
	}
}

// Validate verifies raw and returns its claims. Every failure is an
// *errorsx.AuthenticationError with reason expired, invalid or
// misconfigured.
func (v *Validator) Validate(ctx context.Context, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, errorsx.Authentication(errorsx.ReasonMissing, nil)
	}

	var (
		methods []string
		keyfunc jwt.Keyfunc
	)
	switch v.Mode() {
	case "jwks":
		methods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
		keyfunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.keys.Key(ctx, kid)
		}
	case "hs256":
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyfunc = func(*jwt.Token) (any, error) { return v.secret, nil }
	default:
		v.log.Error("token validation has no key material configured")
		return nil, errorsx.Authentication(errorsx.ReasonMisconfigured, nil)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, keyfunc, parserOpts...); err != nil {
		return nil, v.classify(err)
	}
	if _, ok := claims["iat"]; !ok {
		return nil, errorsx.Authentication(errorsx.ReasonInvalid, errors.New("token is missing iat"))
	}
	return map[string]any(claims), nil
}

func (v *Validator) classify(err error) error {
	reason := errorsx.ReasonInvalid
	if errors.Is(err, jwt.ErrTokenExpired) {
		reason = errorsx.ReasonExpired
	}
	v.log.Debug("token rejected", zap.String("reason", reason), zap.Error(err))
	return errorsx.Authentication(reason, err)
}
