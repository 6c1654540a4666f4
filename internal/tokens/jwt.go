// Package tokens issues and verifies the bearer tokens accepted by the
// Authenticator. Verification only ever needs the public half of an
// asymmetric key pair; signing (used by cmd/tokengen to mint test
// tokens) needs the private half and never runs in the server process.
package tokens

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every bearer rejection reason. The Authenticator
// never surfaces more detail than this to the caller.
var ErrInvalidToken = errors.New("invalid token")

// maxIATSkew is how far into the future an iat claim may sit and still
// be accepted, to tolerate clock drift between issuer and verifier.
const maxIATSkew = 5 * time.Minute

// Claims is the bearer token's claim set, matching the wire contract
// exactly: sub, scp (space-separated scopes), iat, exp.
type Claims struct {
	Scope string `json:"scp"`
	jwt.RegisteredClaims
}

// Scopes splits the space-separated scp claim.
func (c Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// Verifier validates bearer tokens against a single asymmetric public
// key. It holds no secret material and is safe to share across
// goroutines.
type Verifier struct {
	key    crypto.PublicKey
	method jwt.SigningMethod
}

// NewVerifierFromPEM loads an RSA or Ed25519 public key from a PEM file
// and returns a Verifier bound to it. The signing method is inferred
// from the key type: RS256 for RSA, EdDSA for Ed25519.
func NewVerifierFromPEM(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokens: read public key: %w", err)
	}
	return NewVerifierFromBytes(data)
}

// NewVerifierFromBytes parses a PEM-encoded public key directly, for
// callers that hot-reload the key file themselves.
func NewVerifierFromBytes(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("tokens: failed to decode PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tokens: parse public key: %w", err)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		return &Verifier{key: k, method: jwt.SigningMethodRS256}, nil
	case ed25519.PublicKey:
		return &Verifier{key: k, method: jwt.SigningMethodEdDSA}, nil
	default:
		return nil, fmt.Errorf("tokens: unsupported public key type %T", pub)
	}
}

// Verify parses and validates a bearer token string, enforcing the
// signing algorithm, expiry, and bounded issued-at skew. It returns
// ErrInvalidToken for every failure so no rejection reason leaks to
// the caller beyond "invalid credentials".
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != v.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{v.method.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	if claims.IssuedAt.Time.After(time.Now().Add(maxIATSkew)) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Signer mints bearer tokens for test and operational tooling
// (cmd/tokengen). It is never constructed by the server process.
type Signer struct {
	key    crypto.Signer
	method jwt.SigningMethod
	kid    string
}

// NewRSASigner builds a Signer over an RSA private key, signing RS256.
func NewRSASigner(key *rsa.PrivateKey, kid string) *Signer {
	return &Signer{key: key, method: jwt.SigningMethodRS256, kid: kid}
}

// NewEd25519Signer builds a Signer over an Ed25519 private key, signing EdDSA.
func NewEd25519Signer(key ed25519.PrivateKey, kid string) *Signer {
	return &Signer{key: key, method: jwt.SigningMethodEdDSA, kid: kid}
}

// Issue mints a bearer token for subject with the given scopes and
// lifetime.
func (s *Signer) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.kid != "" {
		token.Header["kid"] = s.kid
	}
	return token.SignedString(s.key)
}
