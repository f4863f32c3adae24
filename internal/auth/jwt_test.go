package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testSecret = "test-secret"

func TestGenerateAndValidateJWT(t *testing.T) {
	user, school := primitive.NewObjectID(), primitive.NewObjectID()
	token, err := GenerateJWT(user, school, true, testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, user.Hex(), claims.UserID)
	assert.True(t, claims.IsAdmin)
	got, err := claims.School()
	require.NoError(t, err)
	assert.Equal(t, school, got)
}

func TestValidateJWT_Rejects(t *testing.T) {
	user, school := primitive.NewObjectID(), primitive.NewObjectID()

	expired, err := GenerateJWT(user, school, false, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateJWT(expired, testSecret)
	assert.Error(t, err)

	valid, err := GenerateJWT(user, school, false, testSecret, time.Hour)
	require.NoError(t, err)
	_, err = ValidateJWT(valid, "other-secret")
	assert.Error(t, err)

	noSchool := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           user.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	s, err := noSchool.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = ValidateJWT(s, testSecret)
	assert.Error(t, err)
}
