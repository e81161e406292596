package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-investigations/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func testUser() *models.User {
	return &models.User{
		ID:       primitive.NewObjectID(),
		Username: "auditor",
		Role:     models.RoleAuditor,
	}
}

func TestNewService_DefaultExpiry(t *testing.T) {
	service := NewService("secret", 0)
	assert.Equal(t, []byte("secret"), service.jwtSecret)
	assert.Equal(t, 24*time.Hour, service.tokenExp)
}

func TestService_HashAndCheckPassword(t *testing.T) {
	service := NewService("secret", time.Hour)

	hash, err := service.HashPassword("testpassword123")
	require.NoError(t, err)
	assert.NotEqual(t, "testpassword123", hash)

	assert.True(t, service.CheckPassword("testpassword123", hash))
	assert.False(t, service.CheckPassword("wrongpassword", hash))
}

func TestService_ValidateToken(t *testing.T) {
	service := NewService("secret", time.Hour)
	user := testUser()

	token, err := service.GenerateToken(user)
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.Hex(), claims.UserID)
	assert.Equal(t, "auditor", claims.Username)
	assert.Equal(t, models.RoleAuditor, claims.Role)
	assert.Greater(t, claims.Exp, time.Now().Unix())

	_, err = service.ValidateToken("Bearer " + token)
	assert.NoError(t, err)

	_, err = service.ValidateToken("invalid-token")
	assert.Equal(t, ErrInvalidToken, err)
}

func TestService_ValidateToken_Rejections(t *testing.T) {
	service := NewService("secret", time.Hour)
	user := testUser()

	t.Run("expired", func(t *testing.T) {
		token, err := NewService("secret", -time.Minute).GenerateToken(user)
		require.NoError(t, err)
		_, err = service.ValidateToken(token)
		assert.Equal(t, ErrExpiredToken, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewService("other", time.Hour).GenerateToken(user)
		require.NoError(t, err)
		_, err = service.ValidateToken(token)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		u := testUser()
		u.Role = "superuser"
		token, err := service.GenerateToken(u)
		require.NoError(t, err)
		_, err = service.ValidateToken(token)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("unsigned", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x", "iss": issuer})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = service.ValidateToken(signed)
		assert.Equal(t, ErrInvalidToken, err)
	})
}

func TestService_ExtractTokenFromHeader(t *testing.T) {
	service := NewService("secret", time.Hour)

	extracted, err := service.ExtractTokenFromHeader("Bearer valid-token")
	assert.NoError(t, err)
	assert.Equal(t, "valid-token", extracted)

	for _, header := range []string{"", "InvalidFormat", "Bearer ", "Basic abc"} {
		_, err = service.ExtractTokenFromHeader(header)
		assert.Equal(t, ErrInvalidToken, err, header)
	}
}
