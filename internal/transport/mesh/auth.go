package mesh

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "avstore"

var (
	// ErrUnauthorized is returned for requests without a valid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSenderMismatch is returned when the envelope sender differs from the token subject.
	ErrSenderMismatch = errors.New("sender does not match token subject")
)

// signer issues and checks the HS256 tokens that authenticate node-to-node posts.
type signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newSigner(secret []byte, ttl time.Duration) *signer {
	return &signer{secret: secret, ttl: ttl, now: time.Now}
}

// sign returns a token whose subject is nodeID.
func (s *signer) sign(nodeID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// verify parses a token and returns its subject.
func (s *signer) verify(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// bearer extracts the token from an Authorization header.
func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
