// Package session issues and verifies signed, time-limited bearer tokens
// that bind a request to a user id.
//
// Tokens are always signed with the current key. Verification walks the
// keyring newest first, so a token signed with the key that was current one
// rotation ago keeps working until the next rotation pushes it out.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTTL = 72 * time.Hour

var ErrNoSigningKey = errors.New("session: no signing key configured")

type Keyring struct {
	mu   sync.RWMutex
	keys [][]byte // current first, then previous
	ttl  time.Duration
	now  func() time.Time
}

// NewKeyring builds a keyring from current and an optional previous key.
func NewKeyring(current, previous string, ttl time.Duration) (*Keyring, error) {
	if current == "" {
		return nil, ErrNoSigningKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := &Keyring{ttl: ttl, now: time.Now}
	k.keys = append(k.keys, []byte(current))
	if previous != "" && previous != current {
		k.keys = append(k.keys, []byte(previous))
	}
	return k, nil
}

// Rotate makes key current and demotes the old current key to previous.
// Anything older is dropped.
func (k *Keyring) Rotate(key string) error {
	if key == "" {
		return ErrNoSigningKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = [][]byte{[]byte(key), k.keys[0]}
	return nil
}

// Sign returns a token for userID signed with the current key.
func (k *Keyring) Sign(userID string) (string, error) {
	k.mu.RLock()
	key := k.keys[0]
	k.mu.RUnlock()

	now := k.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify returns the user id bound to token. Any failure, including an
// expired token or an unknown key, yields ok == false.
func (k *Keyring) Verify(token string) (userID string, ok bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	k.mu.RLock()
	keys := k.keys
	k.mu.RUnlock()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(k.now),
	)
	for _, key := range keys {
		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err == nil && claims.Subject != "" {
			return claims.Subject, true
		}
		if err != nil && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			// expired or malformed tokens fail the same way under every key
			return "", false
		}
	}
	return "", false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
