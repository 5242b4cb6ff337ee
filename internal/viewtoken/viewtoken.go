// Package viewtoken signs the context carried through Slack modal round trips.
//
// Slack echoes a view's private_metadata back on submission; a signed token
// there lets the bot trust the team, user and channel it started the view for.
package viewtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "helpme-slack"

// ErrInvalid is returned for tokens that fail verification.
var ErrInvalid = errors.New("viewtoken: invalid or expired")

// Claims identify who opened a view and where.
type Claims struct {
	TeamID    string `json:"tid"`
	UserID    string `json:"uid"`
	ChannelID string `json:"cid,omitempty"`
	CourseID  int64  `json:"crs,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies view tokens.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a Signer. key should be derived for view signing only.
func NewSigner(key []byte, ttl time.Duration) (*Signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("viewtoken: key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Signer{key: key, ttl: ttl, now: time.Now}, nil
}

// Sign returns a compact HS256 token for c.
func (s *Signer) Sign(c Claims) (string, error) {
	now := s.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   c.TeamID + "/" + c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign view token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks its signature, issuer and expiry.
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.TeamID == "" || claims.UserID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
