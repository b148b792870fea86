package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "dfrun-it-1"

// TestClaims are the caller-specific claims of a test token. Extra entries
// override the registered claims the issuer fills in.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs RS256 tokens and publishes its key over a JWKS endpoint.
type tokenIssuer struct {
	t        *testing.T
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}

	enc := base64.RawURLEncoding.EncodeToString
	doc, err := json.Marshal(map[string]any{"keys": []any{map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   enc(key.N.Bytes()),
		"e":   enc(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("jwks document: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		t:        t,
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.dfrun.dev",
		audience: "dfrun-api-test",
	}
}

func (ti *tokenIssuer) sign(c TestClaims, issuedAt time.Time, ttl time.Duration) string {
	ti.t.Helper()
	claims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"sub":   c.SubjectID,
		"email": c.Email,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	if len(c.Roles) > 0 {
		// Decoded tokens carry []any, so sign the same shape.
		roles := make([]any, 0, len(c.Roles))
		for r := range slices.Values(c.Roles) {
			roles = append(roles, r)
		}
		claims["roles"] = roles
	}
	maps.Copy(claims, c.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// GenerateToken returns a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now(), time.Hour)
}

// GenerateExpiredToken returns a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }
