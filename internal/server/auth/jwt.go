// Package auth mints and verifies the bearer tokens that bind a connection
// to one participant.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the registered claims plus the participant the token was
// issued to.
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string `json:"participant_id"`
}

func GenerateToken(participantID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		ParticipantID: participantID,
	})

	return token.SignedString(secretKey)
}

// ParticipantFromToken verifies tokenString and returns its participant.
// Expired tokens yield common.ErrTokenExpired; anything else that fails
// verification yields common.ErrInvalidToken.
func ParticipantFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.ParticipantID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.ParticipantID, nil
}
