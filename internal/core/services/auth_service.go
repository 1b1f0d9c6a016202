package services

import (
	"errors"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService issues and checks the peer tokens presented to the relay and
// to the control API.
type AuthService interface {
	GenerateToken(peerID domain.PeerID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
}

type Claims struct {
	PeerID domain.PeerID `json:"peer_id"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *authService) GenerateToken(peerID domain.PeerID) (string, error) {
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return "", err
	}

	now := s.now()
	claims := &Claims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(peerID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	// tokens minted by other tools may only carry the subject
	if claims.PeerID == "" {
		claims.PeerID = domain.PeerID(claims.Subject)
	}
	if err := validation.ValidatePeerID(string(claims.PeerID)); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
