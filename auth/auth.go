// Package auth verifies client tokens presented at handshake. A token is a
// scheme.payload.signature triple: the signature is an HMAC-SHA256 over
// "scheme.payload" with the server secret, compared in constant time; the
// payload carries a subject and expiry. Auth is disabled entirely when no
// secret is configured.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scheme is the only token scheme this verifier accepts.
const Scheme = "v1"

var (
	// ErrMalformed means the token is not a scheme.payload.signature triple
	// with the expected scheme.
	ErrMalformed = errors.New("auth: malformed token")
	// ErrBadSignature means the HMAC did not verify.
	ErrBadSignature = errors.New("auth: bad signature")
	// ErrExpired means the token's expiry has passed.
	ErrExpired = errors.New("auth: token expired")
)

// Claims is the verified token payload.
type Claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"` // unix seconds
}

// Verifier checks tokens against a server secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier, or nil when secret is empty (auth disabled).
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify checks token at the given time and returns its claims.
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != Scheme {
		return Claims{}, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if !hmac.Equal(sig, v.sign(parts[0]+"."+parts[1])) {
		return Claims{}, ErrBadSignature
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}
	if claims.ExpiresAt > 0 && now.Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// Sign mints a token for claims. Used by operator tooling and tests; the
// relay itself only verifies.
func (v *Verifier) Sign(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := Scheme + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString(v.sign(body))
	return body + "." + sig, nil
}

func (v *Verifier) sign(body string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
