package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redemptiondomain "github.com/habitloop/habitloop/internal/redemption/domain"
)

func (s *Server) ListTemplates(c *gin.Context) {
	templates, err := s.coupons.ListTemplates(c.Request.Context(), false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

type redeemRequest struct {
	TemplateID     string         `json:"template_id" binding:"required"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	templateID, err := snowflake.ParseString(strings.TrimSpace(req.TemplateID))
	if err != nil {
		AbortWithError(c, newValidationError("template_id", "invalid_id", "invalid template_id"))
		return
	}

	outcome, err := s.redemptions.Redeem(c.Request.Context(), redemptiondomain.RedeemRequest{
		UserID:         currentUserID(c),
		TemplateID:     templateID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, outcome)
}

func (s *Server) ListRedemptions(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		limit = parsed
	}

	redemptions, err := s.redemptions.List(c.Request.Context(), currentUserID(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": redemptions})
}

func (s *Server) GetRedemption(c *gin.Context) {
	redemptionID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid redemption id"))
		return
	}

	redemption, err := s.redemptions.Get(c.Request.Context(), currentUserID(c), redemptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, redemption)
}

type consumeCouponRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) ConsumeCoupon(c *gin.Context) {
	var req consumeCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.coupons.Consume(c.Request.Context(), currentUserID(c), req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) GetMembership(c *gin.Context) {
	membership, err := s.memberships.Get(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, membership)
}
