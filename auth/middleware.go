package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ValidUser validates the bearer token (or ?token= query for websocket
// upgrades, since browsers can't set headers there) and stores the claims
// under "validuser" for downstream handlers.
func ValidUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "authorization required",
				})
				return
			}
			tokenString = parts[1]
		}

		claims, err := ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}

		if claims.IsExpired() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "token expired",
			})
			return
		}

		c.Set("validuser", claims)
		c.Next()
	}
}
