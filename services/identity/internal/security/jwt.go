package security

import (
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/auth"
	"github.com/google/uuid"
)

// AccessToken describes the subject of a newly minted access token.
type AccessToken struct {
	UserID uuid.UUID
	Roles  []string
	Scopes []string
	Wallet string
}

// Issuer signs access tokens that every service validates through libs/auth.
type Issuer struct {
	Secret []byte
	Name   string
	TTL    time.Duration
}

func (i Issuer) Sign(tok AccessToken, now time.Time) (string, error) {
	claims := auth.NewClaims(tok.UserID, i.Name, tok.Roles, tok.Scopes, now, i.TTL)
	claims.Wallet = tok.Wallet
	return auth.SignJWT(claims, i.Secret)
}
