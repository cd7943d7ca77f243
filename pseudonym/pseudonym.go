// Package pseudonym derives deterministic, tenant-scoped tokens from raw
// identifiers such as medical record numbers. The same raw value maps to a
// different token in every tenant, which allows joins inside a tenant without
// storing the raw identifier and without correlating records across tenants.
package pseudonym

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Keksclan/tenantgate/contextx"
	"github.com/Keksclan/tenantgate/errorsx"
	"github.com/Keksclan/tenantgate/secrets"
)

// TokenLength is the length of every token returned by Token.
const TokenLength = sha256.Size * 2

// DefaultSaltKey is the secret-store key holding the salt.
const DefaultSaltKey = "pseudonym_salt"

// Token returns hex(SHA-256(tenantID ":" salt ":" raw)).
func Token(raw, tenantID, salt string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + salt + ":" + raw))
	return hex.EncodeToString(sum[:])
}

// Tokenizer computes tokens with a salt read from a secret store. The salt is
// fetched on first use and kept for the life of the process.
type Tokenizer struct {
	salts   secrets.Provider
	saltKey string
}

// New returns a Tokenizer reading the salt stored under saltKey. An empty
// saltKey selects DefaultSaltKey. src is wrapped in a secrets.Cached unless
// it already is one.
func New(src secrets.Provider, saltKey string) *Tokenizer {
	if saltKey == "" {
		saltKey = DefaultSaltKey
	}
	if _, ok := src.(*secrets.Cached); !ok {
		src = secrets.NewCached(src, secrets.DefaultRetry)
	}
	return &Tokenizer{salts: src, saltKey: saltKey}
}

// Token pseudonymizes raw for tenantID.
func (t *Tokenizer) Token(ctx context.Context, raw, tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", errorsx.Validation("tenant_id", "must not be empty")
	}
	salt, err := t.salts.Secret(ctx, t.saltKey)
	if err != nil {
		return "", fmt.Errorf("pseudonym: load salt: %w", err)
	}
	return Token(raw, tenantID, salt), nil
}

// TokenizeTenant pseudonymizes raw for the tenant carried by tc.
func (t *Tokenizer) TokenizeTenant(ctx context.Context, tc contextx.TenantContext, raw string) (string, error) {
	return t.Token(ctx, raw, tc.TenantID())
}
