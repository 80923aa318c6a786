package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	MinSecretLength = 32

	// RoleOperator may move orders through fulfilment.
	RoleOperator = "operator"
)

var ErrWeakSecret = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)

// userIDClaims are checked in order; the first usable one wins.
var userIDClaims = []string{"sub", "username", "userId"}

// Identity is the verified caller.
type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier validates HMAC signed bearer tokens issued by the identity provider.
type Verifier interface {
	// Verify returns the caller when the Authorization header carries a
	// valid token. It never errors; a bad token is just no identity.
	Verify(authorizationHeader string) (Identity, bool)
	// Sign issues a token for service to service calls made on a user's behalf.
	Sign(userID string, ttl time.Duration) (string, error)
}

type verifierImpl struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) (Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &verifierImpl{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}, nil
}

func (v *verifierImpl) Verify(authorizationHeader string) (Identity, bool) {
	raw, found := strings.CutPrefix(authorizationHeader, "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return Identity{}, false
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, false
	}

	userID, ok := userIDFromClaims(claims)
	if !ok {
		return Identity{}, false
	}
	return Identity{UserID: userID, Roles: rolesFromClaims(claims)}, true
}

func (v *verifierImpl) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

func userIDFromClaims(claims jwt.MapClaims) (string, bool) {
	for _, name := range userIDClaims {
		value, ok := claims[name].(string)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || value == "null" || value == "undefined" {
			continue
		}
		return value, true
	}
	return "", false
}

// rolesFromClaims accepts a "roles" array or a single "role" string.
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, r := range list {
			if role, ok := r.(string); ok && role != "" {
				roles = append(roles, role)
			}
		}
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		roles = append(roles, role)
	}
	return roles
}
