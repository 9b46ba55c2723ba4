package rtctoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidate(t *testing.T) {
	svc := NewService("secret", "ws://relay.local", time.Minute)

	token, err := svc.Mint("call-abc", "creator-1", RolePublisher)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "call-abc", claims.Room)
	assert.Equal(t, "creator-1", claims.Identity)
	assert.Equal(t, RolePublisher, claims.Role)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	minter := NewService("secret-a", "ws://relay.local", time.Minute)
	checker := NewService("secret-b", "ws://relay.local", time.Minute)

	token, err := minter.Mint("call-abc", "viewer-1", RoleViewer)
	require.NoError(t, err)

	_, err = checker.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidRoomToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := NewService("secret", "ws://relay.local", time.Minute)

	claims := RoomClaims{
		Room:     "call-abc",
		Identity: "viewer-1",
		Role:     RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidRoomToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := NewService("secret", "ws://relay.local", time.Minute)
	_, err := svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidRoomToken)
}

func TestRoomName(t *testing.T) {
	assert.Equal(t, "call-123", RoomName("123"))
}
