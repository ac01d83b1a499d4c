package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	"go.uber.org/zap"
)

type submitEventRequest struct {
	EventType  string         `json:"event_type" binding:"required"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Nonce      string         `json:"nonce" binding:"required"`
	Payload    map[string]any `json:"payload"`

	ProofType    string         `json:"proof_type"`
	ProofPayload map[string]any `json:"proof_payload"`

	DeviceID          string `json:"device_id"`
	RelatedEntityType string `json:"related_entity_type"`
	RelatedEntityID   string `json:"related_entity_id"`

	Metadata map[string]any `json:"metadata"`
}

func (s *Server) SubmitEvent(c *gin.Context) {
	var req submitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := currentUserID(c)
	submit := eventdomain.SubmitRequest{
		UserID:            userID,
		EventType:         eventdomain.EventType(strings.TrimSpace(req.EventType)),
		Nonce:             req.Nonce,
		Payload:           req.Payload,
		ProofType:         eventdomain.ProofType(strings.TrimSpace(req.ProofType)),
		ProofPayload:      req.ProofPayload,
		DeviceID:          req.DeviceID,
		RelatedEntityType: req.RelatedEntityType,
		Metadata:          req.Metadata,
	}
	if req.OccurredAt != nil {
		submit.OccurredAt = *req.OccurredAt
	}
	if raw := strings.TrimSpace(req.RelatedEntityID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("related_entity_id", "invalid_id", "invalid related_entity_id"))
			return
		}
		submit.RelatedEntityID = id
	}

	outcome, err := s.events.Submit(c.Request.Context(), submit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

func (s *Server) ListEvents(c *gin.Context) {
	req := eventdomain.ListRequest{
		UserID: currentUserID(c),
		Status: eventdomain.ValidationStatus(strings.TrimSpace(c.Query("status"))),
	}
	if raw := strings.TrimSpace(c.Query("before_id")); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("before_id", "invalid_id", "invalid before_id"))
			return
		}
		req.BeforeID = id
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		req.Limit = limit
	}

	events, err := s.events.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.events.Balance(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type validatePendingRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) ValidatePending(c *gin.Context) {
	var req validatePendingRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.events.ValidateBatch(c.Request.Context(), req.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reviewEventRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (s *Server) ReviewEvent(c *gin.Context) {
	eventID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid event id"))
		return
	}

	var req reviewEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	operator := currentOperator(c)
	outcome, err := s.events.ResolveReview(c.Request.Context(), eventID, req.Approve, operator, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	targetID := eventID.String()
	if err := s.audit.AuditLog(c.Request.Context(), nil, "operator", &operator, "event.reviewed", "points_event", &targetID, map[string]any{
		"approved": req.Approve,
		"status":   outcome.Status,
	}); err != nil {
		s.log.Warn("failed to audit review resolution", zap.Error(err))
	}
	c.JSON(http.StatusOK, outcome)
}
