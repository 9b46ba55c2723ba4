// Package rtctoken issues short-lived relay room credentials.
package rtctoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Participant roles encoded in room tokens.
const (
	RolePublisher = "publisher"
	RoleViewer    = "viewer"
)

var ErrInvalidRoomToken = errors.New("invalid room token")

// RoomClaims are the claims carried by a relay room token.
type RoomClaims struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service mints and validates relay room tokens.
type Service struct {
	secret   []byte
	relayURL string
	ttl      time.Duration
}

// NewService creates a token service. relayURL is the base URL agents and
// clients dial for the relay websocket.
func NewService(secret, relayURL string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{secret: []byte(secret), relayURL: relayURL, ttl: ttl}
}

// RelayURL returns the configured relay base URL.
func (s *Service) RelayURL() string { return s.relayURL }

// RoomName derives the relay room for a session.
func RoomName(sessionID string) string { return "call-" + sessionID }

// Mint issues a room token for one participant.
func (s *Service) Mint(room, identity, role string) (string, error) {
	now := time.Now()
	claims := RoomClaims{
		Room:     room,
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a room token presented to the relay.
func (s *Service) Validate(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidRoomToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidRoomToken
	}
	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid || claims.Room == "" || claims.Identity == "" {
		return nil, ErrInvalidRoomToken
	}
	return claims, nil
}
