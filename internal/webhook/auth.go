package webhook

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Signer mints the short-lived bearer tokens that authenticate both the
// outbound callback requests and inbound producer calls.
type Signer struct {
	method jwt.SigningMethod
	key    any
	expire time.Duration
}

// NewHS256Signer builds a Signer over a shared secret.
func NewHS256Signer(secret string, expire time.Duration) *Signer {
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), expire: expire}
}

// NewRS256Signer loads a PEM private key from disk.
func NewRS256Signer(keyPath string, expire time.Duration) (*Signer, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read signing key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, errors.Wrap(err, "parse signing key")
	}
	return &Signer{method: jwt.SigningMethodRS256, key: key, expire: expire}, nil
}

// Token returns a fresh signed token. A new one is minted per request so a
// stalled queue can never replay an expired credential.
func (s *Signer) Token() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(s.method, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expire)),
	})
	signed, err := tok.SignedString(s.key)
	return signed, errors.Wrap(err, "sign token")
}

// Verifier checks bearer tokens presented to the producer API.
type Verifier struct {
	methods []string
	key     any
}

// NewHS256Verifier builds a Verifier over a shared secret.
func NewHS256Verifier(secret string) *Verifier {
	return &Verifier{methods: []string{jwt.SigningMethodHS256.Alg()}, key: []byte(secret)}
}

// NewRS256Verifier loads a PEM public key from disk.
func NewRS256Verifier(keyPath string) (*Verifier, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read verification key")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, errors.Wrap(err, "parse verification key")
	}
	return &Verifier{methods: []string{jwt.SigningMethodRS256.Alg()}, key: key}, nil
}

// Verify rejects tokens that are malformed, expired, or signed with the
// wrong method or key.
func (v *Verifier) Verify(token string) error {
	_, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
	)
	return errors.Wrap(err, "verify token")
}
