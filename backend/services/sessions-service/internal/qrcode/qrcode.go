// Package qrcode issues and validates the signed tokens behind the QR code shown on a
// spot display.
package qrcode

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"evcharge/backend/services/sessions-service/internal/models"
)

const defaultTTL = 10 * time.Minute

var (
	// ErrMissingToken indicates an empty token.
	ErrMissingToken = errors.New("qrcode: token is required")
	// ErrSpotMismatch indicates a token minted for another spot.
	ErrSpotMismatch = errors.New("qrcode: token belongs to another spot")
	// ErrStaleCode indicates the spot's code has rotated since the token was issued.
	ErrStaleCode = errors.New("qrcode: code has rotated")
)

// Claims is the scan token payload.
type Claims struct {
	SpotID int64  `json:"spot_id"`
	Code   string `json:"code"`
	jwt.RegisteredClaims
}

// Service signs and validates scan tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService returns configured qr service.
func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewCode mints a rotating spot code.
func (s *Service) NewCode() string {
	return uuid.NewString()
}

// Issue signs a token for the spot's current code and returns it with its expiry.
func (s *Service) Issue(spot *models.Spot) (string, time.Time, error) {
	if spot == nil || spot.ID == 0 {
		return "", time.Time{}, errors.New("qrcode: spot is required")
	}
	if spot.QRCode == "" {
		return "", time.Time{}, errors.New("qrcode: spot has no code")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		SpotID: spot.ID,
		Code:   spot.QRCode,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks signature, expiry, spot id and that the code is still current.
func (s *Service) Validate(tokenString string, spot *models.Spot) error {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("qrcode: unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return errors.New("qrcode: invalid claims")
	}
	if claims.SpotID != spot.ID {
		return ErrSpotMismatch
	}
	if spot.QRCode == "" || claims.Code != spot.QRCode {
		return ErrStaleCode
	}
	return nil
}
