package middleware

import (
	"net/http"
	"strings"

	"stampcard-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := utils.ValidateToken(secret, parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("user_role", claims.Role)
		if claims.MerchantID != nil {
			c.Set("merchant_id", *claims.MerchantID)
		}
		c.Next()
	}
}

func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("user_role")
		if !exists || role != utils.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// MerchantMiddleware requires a merchant owner or staff member with a
// merchant_id in their token.
func MerchantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get("user_role")
		if role != utils.RoleMerchant && role != utils.RoleStaff {
			c.JSON(http.StatusForbidden, gin.H{"error": "Merchant access required"})
			c.Abort()
			return
		}

		if _, exists := c.Get("merchant_id"); !exists {
			c.JSON(http.StatusForbidden, gin.H{"error": "No merchant associated with this account"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func CustomerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("user_role")
		if !exists || role != utils.RoleCustomer {
			c.JSON(http.StatusForbidden, gin.H{"error": "Customer access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user. Only valid behind AuthMiddleware.
func UserID(c *gin.Context) uuid.UUID {
	id, _ := c.Get("user_id")
	userID, _ := id.(uuid.UUID)
	return userID
}

func MerchantID(c *gin.Context) (uuid.UUID, bool) {
	id, exists := c.Get("merchant_id")
	if !exists {
		return uuid.Nil, false
	}
	merchantID, ok := id.(uuid.UUID)
	return merchantID, ok
}
