package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identifies who is connecting. Account management lives in the main
// consultation backend; the sync hub only verifies the tokens it issues.
type Claims struct {
	UserID   string
	DeviceID uuid.UUID
}

// Authenticator verifies the token a device presents when opening its sync
// connection.
type Authenticator interface {
	Verify(token string) (*Claims, error)
}

type JWTAuthenticator struct {
	secret string
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

func (a *JWTAuthenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.secret), nil
	})

	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}

	deviceIDStr, ok := claims["device_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:   userID,
		DeviceID: deviceID,
	}, nil
}

// IssueToken mints a short-lived token for a device. Used by the CLI and by
// tests; production tokens come from the consultation backend with the same
// secret.
func (a *JWTAuthenticator) IssueToken(userID string, deviceID uuid.UUID, expiry time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":       userID,
		"device_id": deviceID.String(),
		"exp":       time.Now().Add(expiry).Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.secret))
}
