package ghapp

import (
	"crypto/rsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// jwtBackdate absorbs clock drift between us and GitHub.
	jwtBackdate = 60 * time.Second
	jwtLifetime = 10 * time.Minute
)

// AppTokenMinter signs short-lived GitHub App JWTs.
type AppTokenMinter struct {
	appID int64
	key   *rsa.PrivateKey
}

// ParsePrivateKey decodes a PEM encoded RSA key. Literal "\n" sequences,
// as found in single-line environment variables, are expanded first.
func ParsePrivateKey(pem string) (*rsa.PrivateKey, error) {
	pem = strings.ReplaceAll(strings.TrimSpace(pem), `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	return key, nil
}

// NewAppTokenMinter creates a minter for appID.
func NewAppTokenMinter(appID int64, key *rsa.PrivateKey) *AppTokenMinter {
	return &AppTokenMinter{appID: appID, key: key}
}

// Mint returns an RS256 JWT valid from now-60s to now+10m.
func (m *AppTokenMinter) Mint(now time.Time) (string, time.Time, error) {
	exp := now.Add(jwtLifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(m.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing app jwt: %w", err)
	}
	return signed, exp, nil
}
