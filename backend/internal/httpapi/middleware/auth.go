package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/internal/auth"
)

const (
	CtxUserID   = "userId"
	CtxUsername = "username"
)

// AuthMiddleware 从 Authorization 或 ?token= 取令牌校验，通过后写入 userId/username
func AuthMiddleware(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		p, err := v.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUpstream) {
				log.Warn().Err(err).Msg("verify token failed")
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth-service verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}

		c.Set(CtxUserID, p.UserID)
		c.Set(CtxUsername, p.Username)
		c.Next()
	}
}
