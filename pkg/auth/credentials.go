// Package auth validates session credentials and derives the digests the
// broker keeps in their place.
//
// The broker never stores raw credentials: after validation the caller is
// expected to call Zeroize, and only the 32-byte credential hash survives.
// Resume authorisation compares hashes in constant time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shellbroker/shellbroker/pkg/logger"
)

// nowFunc is swappable in tests.
var nowFunc = time.Now

// Common errors returned by Validate.
var (
	// ErrMalformedToken is returned when the access token looks like a JWT
	// but cannot be decoded.
	ErrMalformedToken = errors.New("malformed access token")

	// ErrTokenExpired is returned when the access token carries an exp claim
	// in the past.
	ErrTokenExpired = errors.New("access token expired")
)

// Class is the admission class of a session.
type Class int

// Session classes. A session is authenticated iff it presented an API key or
// an access token that passed validation; an empty envelope is anonymous.
const (
	ClassAnonymous Class = iota
	ClassAuthenticated
)

// String returns the class name used in logs and metrics labels.
func (c Class) String() string {
	if c == ClassAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// HashSize is the size of a credential hash in bytes.
const HashSize = sha256.Size

// Hash is the SHA-256 digest the broker retains in place of raw credentials.
type Hash [HashSize]byte

// FingerprintSize is the size of a client fingerprint in bytes.
const FingerprintSize = 16

// Fingerprint is an advisory digest over the client's network identity.
type Fingerprint [FingerprintSize]byte

// Credentials carries the raw credential material from the auth envelope.
// The fields are byte slices rather than strings so Zeroize can overwrite
// them in place.
type Credentials struct {
	APIKey      []byte
	AccessToken []byte
}

// Result is the outcome of successful validation.
type Result struct {
	Class Class
	Hash  Hash
}

// Validate checks the credential tuple and computes its hash.
//
// An empty tuple is valid and yields an anonymous result: the broker admits
// credential-less sessions subject to the anonymous cap. A present access
// token that looks like a three-segment JWT is decoded without signature
// verification (the broker is not the token issuer) and rejected when
// expired; a JWT without an exp claim is allowed with a warning. Opaque,
// non-JWT tokens are accepted as-is.
func Validate(c *Credentials) (Result, error) {
	if len(c.APIKey) == 0 && len(c.AccessToken) == 0 {
		return Result{Class: ClassAnonymous, Hash: ComputeHash(nil, nil)}, nil
	}

	if token := string(c.AccessToken); looksLikeJWT(token) {
		if err := checkJWT(token); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Class: ClassAuthenticated,
		Hash:  ComputeHash(c.APIKey, c.AccessToken),
	}, nil
}

// Zeroize overwrites the raw credential bytes and drops the references.
// Call once the hash has been computed; the plaintext is not needed again.
func (c *Credentials) Zeroize() {
	for i := range c.APIKey {
		c.APIKey[i] = 0
	}
	for i := range c.AccessToken {
		c.AccessToken[i] = 0
	}
	c.APIKey = nil
	c.AccessToken = nil
}

// ComputeHash returns SHA256(apiKey|accessToken). The separator makes the
// digest unambiguous for tuples whose concatenation would collide.
func ComputeHash(apiKey, accessToken []byte) Hash {
	h := sha256.New()
	h.Write(apiKey)
	h.Write([]byte("|"))
	h.Write(accessToken)

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Equal compares two credential hashes in constant time.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// looksLikeJWT reports whether the token has the three-segment shape of a
// JWT. Opaque tokens are passed through untouched.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// checkJWT decodes the token without signature verification and rejects it
// when structurally invalid or expired.
func checkJWT(token string) error {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: bad exp claim: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		logger.Warn("access token carries no expiry claim; accepting")
		return nil
	}
	if exp.Before(nowFunc()) {
		return ErrTokenExpired
	}
	return nil
}

// ClientFingerprint derives the advisory 16-byte fingerprint over the
// normalised client IP and user agent. The fingerprint is logged on change
// during resume but never rejects a client on its own.
func ClientFingerprint(remoteAddr, userAgent string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(NormalizeIP(remoteAddr)))
	h.Write([]byte("|"))
	h.Write([]byte(userAgent))

	var out Fingerprint
	copy(out[:], h.Sum(nil)[:FingerprintSize])
	return out
}

// NormalizeIP strips any port from a remote address and canonicalises the
// host part, so "[::1]:52100" and "::1" fingerprint identically.
func NormalizeIP(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return strings.ToLower(host)
}
