package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Claims defines the structure of the JWT claims. Every token is bound to one school (tenant).
type Claims struct {
	UserID   string `json:"user_id"`
	SchoolID string `json:"school_id"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// School returns the tenant the token belongs to.
func (c *Claims) School() (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(c.SchoolID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid school_id claim: %w", err)
	}
	return id, nil
}

// GenerateJWT creates a new JWT for a user of a school.
func GenerateJWT(userID, schoolID primitive.ObjectID, isAdmin bool, secretKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID.Hex(),
		SchoolID: schoolID.Hex(),
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   userID.Hex(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}
	return tokenString, nil
}

// ValidateJWT verifies a JWT string and returns the claims if valid.
func ValidateJWT(tokenString string, secretKey string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}
	if _, err := claims.School(); err != nil {
		return nil, err
	}
	return claims, nil
}
