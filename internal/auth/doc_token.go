// Package auth issues and validates the tokens that authorize per-document
// sync channels. A token is granted when a participant enters a room and is
// presented in the document websocket handshake, binding the connection to
// one participant id and one room.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour

	tokenIssuer   = "cowrited"
	tokenAudience = "cowrite-doc"
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingParticipant   = errors.New("auth: participant id must be provided")
	errMissingRoom          = errors.New("auth: room claim must be provided")
)

// DocClaims is the JWT payload carried by document-channel tokens.
type DocClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// DocTokenIssuerConfig configures the document-channel token issuer.
type DocTokenIssuerConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DocTokenIssuer issues and validates document-channel tokens.
type DocTokenIssuer struct {
	signingSecret []byte
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewDocTokenIssuer constructs a DocTokenIssuer with sane defaults.
func NewDocTokenIssuer(cfg DocTokenIssuerConfig) *DocTokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DocTokenIssuer{
		signingSecret: cfg.SigningSecret,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// Issue produces a signed token for the participant's room membership.
func (issuer *DocTokenIssuer) Issue(participantID, room string) (string, error) {
	if len(issuer.signingSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if participantID == "" {
		return "", errMissingParticipant
	}
	if room == "" {
		return "", errMissingRoom
	}

	now := issuer.clock().UTC()
	claims := DocClaims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(issuer.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(issuer.signingSecret)
}

// Validate checks the token and returns the participant id and room it grants.
func (issuer *DocTokenIssuer) Validate(tokenString string) (string, string, error) {
	if len(issuer.signingSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &DocClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return issuer.signingSecret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(issuer.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingParticipant
	}
	if claims.Room == "" {
		return "", "", errMissingRoom
	}
	return claims.Subject, claims.Room, nil
}
