// internal/common/utils/jwt.go
// JWT token validation for the realtime channel and REST reads.
// Token issuance lives in the account service; the relay only validates.

package utils

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v4"
)

// JWTClaims are the claims the relay cares about
type JWTClaims struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // "student" or "instructor"
	Type        string `json:"type"` // "access" or "refresh"
	// Standard JWT claims
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
}

// GenerateJWT creates a new JWT token. Used by tests and local tooling; the
// production issuer is the account service with the same secret.
func GenerateJWT(claims *JWTClaims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":      fmt.Sprintf("%d", claims.UserID),
		"email":        claims.Email,
		"username":     claims.Username,
		"display_name": claims.DisplayName,
		"role":         claims.Role,
		"type":         claims.Type,
		"exp":          claims.ExpiresAt,
		"iat":          claims.IssuedAt,
		"iss":          claims.Issuer,
		"sub":          claims.Subject,
	})

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateJWT validates a JWT token and returns claims
func ValidateJWT(tokenString string, secret string) (*JWTClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userIDStr, ok := claims["user_id"].(string)
		if !ok {
			return nil, errors.New("invalid user_id in token")
		}

		userID, err := strconv.ParseInt(userIDStr, 10, 64)
		if err != nil {
			return nil, errors.New("invalid user_id format")
		}

		return &JWTClaims{
			UserID:      userID,
			Email:       getStringClaim(claims, "email"),
			Username:    getStringClaim(claims, "username"),
			DisplayName: getStringClaim(claims, "display_name"),
			Role:        getStringClaim(claims, "role"),
			Type:        getStringClaim(claims, "type"),
			ExpiresAt:   getInt64Claim(claims, "exp"),
			IssuedAt:    getInt64Claim(claims, "iat"),
			Issuer:      getStringClaim(claims, "iss"),
			Subject:     getStringClaim(claims, "sub"),
		}, nil
	}

	return nil, errors.New("invalid token")
}

// Helper functions to safely extract claims
func getStringClaim(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func getInt64Claim(claims jwt.MapClaims, key string) int64 {
	if val, ok := claims[key].(float64); ok {
		return int64(val)
	}
	return 0
}
