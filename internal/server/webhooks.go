package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	membershipdomain "github.com/habitloop/habitloop/internal/membership/domain"
	"go.uber.org/zap"
)

const HeaderSignature = "X-Habitloop-Signature"

// MembershipWebhook ingests signed provider notifications. The raw body is
// verified before parsing so a tampered payload never reaches the decoder.
func (s *Server) MembershipWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	header := c.GetHeader(HeaderSignature)
	if err := s.webhookSigner.Verify(payload, header, s.clock.Now()); err != nil {
		if s.metrics != nil {
			s.metrics.RecordWebhookRejected(c.Request.Context(), err.Error())
		}
		s.log.Warn("rejected membership notification", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	var notification membershipdomain.Notification
	if err := json.Unmarshal(payload, &notification); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	applied, err := s.memberships.ApplyNotification(c.Request.Context(), notification)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": applied})
}
