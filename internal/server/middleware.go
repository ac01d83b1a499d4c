package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	"github.com/habitloop/habitloop/internal/usercontext"
)

const (
	HeaderUserID     = "X-User-Id"
	HeaderOperatorID = "X-Operator-Id"

	contextUserIDKey   = "user_id"
	contextOperatorKey = "operator_id"
)

// UserRequired resolves the verified caller identity from the gateway
// header. Upstream authentication happens before this service.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID := snowflake.ID(id)
		c.Set(contextUserIDKey, userID)
		ctx := usercontext.WithUserID(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OperatorRequired gates review and operations endpoints.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := strings.TrimSpace(c.GetHeader(HeaderOperatorID))
		if operator == "" {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Set(contextOperatorKey, operator)
		c.Next()
	}
}

// IngressLimit applies the per-user token bucket in front of event
// submission. It is a no-op when redis is not configured.
func (s *Server) IngressLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ingress == nil || !s.ingress.Enabled() {
			c.Next()
			return
		}
		userID := currentUserID(c)
		if userID == 0 {
			c.Next()
			return
		}
		allowed, err := s.ingress.Allow(c.Request.Context(), userID.String())
		if err != nil {
			// Fail open: a redis outage must not stop event intake.
			c.Next()
			return
		}
		if !allowed {
			AbortWithError(c, eventdomain.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) snowflake.ID {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0
	}
	id, ok := value.(snowflake.ID)
	if !ok {
		return 0
	}
	return id
}

func currentOperator(c *gin.Context) string {
	value, ok := c.Get(contextOperatorKey)
	if !ok {
		return ""
	}
	operator, _ := value.(string)
	return operator
}
