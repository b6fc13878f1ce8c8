package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ticketgate-backend/apperror"
)

// PrincipalHeader carries the authenticated principal resolved by the
// gateway in front of this service.
const PrincipalHeader = "X-Principal-ID"

const principalKey = "principal_id"

// RequirePrincipal rejects requests that arrive without a principal.
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := c.GetHeader(PrincipalHeader)
		if principal == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "UNAUTHENTICATED",
				"message": "missing " + PrincipalHeader + " header",
			})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principal(c *gin.Context) string {
	return c.GetString(principalKey)
}

func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	ae := apperror.Destruct(err)
	if ae.Kind == apperror.KindInternal {
		logger.WithContext(c.Request.Context()).WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(ae.HTTPStatus, gin.H{
		"success":   false,
		"error":     ae.Kind,
		"message":   ae.Message,
		"retryable": ae.Retryable,
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success":   false,
		"error":     apperror.KindInvalidArgument,
		"message":   err.Error(),
		"retryable": false,
	})
}
