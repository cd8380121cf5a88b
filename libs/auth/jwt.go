package auth

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const clockSkew = 5 * time.Second

// Claims are carried by every access token the identity service issues. Scopes use the
// API key permission names so both credentials pass the same RequireScope checks.
type Claims struct {
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
	Wallet string   `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

// NewClaims fills the registered claims for a token valid from now for ttl. Empty roles
// default to user and empty scopes to every permission.
func NewClaims(userID uuid.UUID, issuer string, roles, scopes []string, now time.Time, ttl time.Duration) Claims {
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}
	if len(scopes) == 0 {
		scopes = []string{apikey.PermRead, apikey.PermTrade, apikey.PermWithdraw}
	}
	return Claims{
		Roles:  roles,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

func (c *Claims) HasScope(scope string) bool {
	return apikey.PermissionAllows(c.Scopes, scope)
}

// ParseJWT accepts only HS256 tokens that carry an expiry.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func SignJWT(claims Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ExtractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
