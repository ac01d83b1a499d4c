package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/habitloop/habitloop/internal/audit/domain"
	"github.com/habitloop/habitloop/pkg/db/pagination"
	"go.uber.org/zap"
)

func (s *Server) ListInsights(c *gin.Context) {
	userID, err := snowflake.ParseString(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, newValidationError("user_id", "invalid_id", "invalid user_id"))
		return
	}

	includeResolved := strings.EqualFold(c.Query("include_resolved"), "true")
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		limit = parsed
	}

	insights, err := s.fraud.ListByUser(c.Request.Context(), userID, includeResolved, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights})
}

func (s *Server) ResolveInsight(c *gin.Context) {
	insightID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid insight id"))
		return
	}

	operator := currentOperator(c)
	if err := s.fraud.Resolve(c.Request.Context(), insightID, operator); err != nil {
		AbortWithError(c, err)
		return
	}

	targetID := insightID.String()
	if err := s.audit.AuditLog(c.Request.Context(), nil, "operator", &operator, "insight.resolved", "fraud_insight", &targetID, nil); err != nil {
		s.log.Warn("failed to audit insight resolution", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

type listAuditLogsQuery struct {
	pagination.Pagination
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	StartAt    string `form:"start_at"`
	EndAt      string `form:"end_at"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := auditdomain.ListAuditLogRequest{
		Pagination: query.Pagination,
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		ActorType:  strings.TrimSpace(query.ActorType),
	}

	if raw := strings.TrimSpace(query.StartAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
			return
		}
		req.StartAt = &parsed
	}
	if raw := strings.TrimSpace(query.EndAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
			return
		}
		req.EndAt = &parsed
	}

	resp, err := s.audit.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
