package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenRevoked   = errors.New("token revoked")
)

// Role is the coarse authorization level carried in the token.
type Role string

const (
	RoleClient  Role = "client"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// CanReadAnyOrder reports whether the role may query sagas it does not own.
func (r Role) CanReadAnyOrder() bool {
	return r == RoleManager || r == RoleAdmin
}

// Valid reports whether the role is one the system knows.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Claims are the verified facts the core reads from an access token.
// The identity service owns issuance; the core never mutates tokens.
type Claims struct {
	Subject string
	Email   string
	Role    Role
	TokenID string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// RevocationChecker answers whether a token id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Verifier validates bearer credentials. It is stateless beyond the shared
// signing secret and the revocation check hook, and it never fails open:
// a revocation-store error rejects the token.
type Verifier struct {
	secret     []byte
	parser     *jwt.Parser
	revocation RevocationChecker
}

// NewVerifier creates a Verifier for HS256 tokens signed with secret.
// revocation may be nil when no revocation backend is configured.
func NewVerifier(secret string, revocation RevocationChecker) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		revocation: revocation,
	}
}

// Verify parses and validates the token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrTokenMalformed
	}

	claims := &tokenClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}

	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	role := Role(claims.Role)
	if !role.Valid() {
		return nil, ErrTokenMalformed
	}

	if v.revocation != nil && claims.ID != "" {
		revoked, err := v.revocation.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, errors.Wrap(ErrTokenRevoked, err.Error())
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	return &Claims{
		Subject: claims.Subject,
		Email:   claims.Email,
		Role:    role,
		TokenID: claims.ID,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authorization string) (string, bool) {
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
