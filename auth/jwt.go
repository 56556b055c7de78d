package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const hmacSecret = "cUt3YnFMZnNWaFJkWHNnbg=="

type ExpireTime int

const (
	AWeek  ExpireTime = 604800
	ADay   ExpireTime = 86400
	AnHour ExpireTime = 3600
)

// member must started with capital and contains ID
type Claims struct {
	ID  string `json:"id"`
	Usr string `json:"usr"`
	jwt.StandardClaims
}

func (c *Claims) GetUID() string {
	return c.ID
}

func (c *Claims) GetUsername() string {
	return c.Usr
}

func (c *Claims) IsExpired() bool {
	return c.ExpiresAt > 0 && c.ExpiresAt < time.Now().Unix()
}

// CreateJWTToken generates a JWT signed token for the given user id and username
func CreateJWTToken(id, username string) (string, error) {
	return CreateJWTWithExpire(id, username, ADay)
}

func CreateJWTWithExpire(id string, username string, expired ExpireTime) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"ID":        id,
		"Usr":       username,
		"ExpiresAt": time.Now().Unix() + int64(expired),
	})
	tokenString, err := token.SignedString([]byte(hmacSecret))

	return tokenString, err
}

func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Don't forget to validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return []byte(hmacSecret), nil
	})

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	} else {
		return nil, err
	}
}
