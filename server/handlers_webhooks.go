package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docuflow/esign"
	"docuflow/payment"
	"docuflow/webhook"
)

// Signature headers the providers attach to deliveries.
const (
	esignSignatureHeader   = "X-Esign-Signature"
	paymentSignatureHeader = "X-Payment-Signature"
)

func (s *Server) handleEsignWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = s.deps.Ingestor.HandleEsign(c.Request.Context(), body, c.GetHeader(esignSignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, webhook.ErrDuplicateEvent):
		// Replays are acknowledged so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, esign.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(err, webhook.ErrUnknownEnvelope):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown envelope"})
	default:
		s.deps.Logger.Error("esign webhook failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = s.deps.Ingestor.HandlePayment(c.Request.Context(), body, c.GetHeader(paymentSignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, webhook.ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, payment.ErrInvalidSignature), errors.Is(err, payment.ErrStaleEvent):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	default:
		s.deps.Logger.Error("payment webhook failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
