package http

import (
	"net/http"
	"strings"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionUIDKey = "uid"
	ctxUIDKey     = "uid"
)

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// SessionHandler exchanges a bearer token for a cookie session.
func SessionHandler(verifier core.IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := verifier.Verify(c.Request.Context(), bearer(c))
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ConnectError{Reason: protocol.ReasonForbidden})
			return
		}
		s := sessions.Default(c)
		s.Set(sessionUIDKey, string(uid))
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"uid": uid})
	}
}

// RequireUser resolves the caller from the cookie session or, failing that,
// from a bearer token.
func RequireUser(verifier core.IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := sessions.Default(c).Get(sessionUIDKey).(string); ok && v != "" {
			c.Set(ctxUIDKey, domain.UserID(v))
			c.Next()
			return
		}
		uid, err := verifier.Verify(c.Request.Context(), bearer(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ConnectError{Reason: protocol.ReasonForbidden})
			return
		}
		c.Set(ctxUIDKey, uid)
		c.Next()
	}
}
