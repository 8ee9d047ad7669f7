package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docuflow/agreement"
	"docuflow/audit"
	"docuflow/jobs"
)

type createAgreementRequest struct {
	TemplateID string             `json:"templateId" binding:"required"`
	Signers    []agreement.Signer `json:"signers" binding:"required"`
	Metadata   map[string]any     `json:"metadata"`
}

func (s *Server) handleCreateAgreement(c *gin.Context) {
	var req createAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.deps.Agreements.Create(c.Request.Context(), agreement.CreateParams{
		TemplateID: req.TemplateID,
		Signers:    req.Signers,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAgreementView(a))
}

func (s *Server) handleListAgreements(c *gin.Context) {
	filters := agreement.ListFilters{
		Status:     agreement.Status(c.Query("status")),
		TemplateID: c.Query("templateId"),
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(c.Query("pageSize")); err == nil {
		filters.PageSize = size
	}

	list, err := s.deps.Agreements.List(c.Request.Context(), filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementViews(list))
}

func (s *Server) handleGetAgreement(c *gin.Context) {
	a, err := s.deps.Agreements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementView(a))
}

func (s *Server) handleAgreementAudit(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Agreements.Get(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	entries, err := s.deps.AuditRepo.ListByEntity(c.Request.Context(), s.deps.Pool, audit.EntityAgreement, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleEnvelopeStatus(c *gin.Context) {
	if s.deps.Esign == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "e-sign integration not configured"})
		return
	}
	a, err := s.deps.Agreements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if a.EnvelopeID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "agreement has no envelope"})
		return
	}
	status, err := s.deps.Esign.EnvelopeStatus(c.Request.Context(), a.EnvelopeID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelopeId": a.EnvelopeID, "status": status})
}

// handleSendAgreement queues envelope creation. The draft check and the
// payment precondition are re-validated by the lifecycle when the job runs;
// checking here too gives the caller a synchronous error instead of a
// silently failed job.
func (s *Server) handleSendAgreement(c *gin.Context) {
	a, err := s.deps.Agreements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if a.Status != agreement.StatusDraft {
		s.respondError(c, agreement.ErrInvalidTransition)
		return
	}
	if a.PaymentRequired() && !a.PaymentSettled() {
		s.respondError(c, agreement.ErrPaymentRequired)
		return
	}

	job, err := s.deps.Orchestrator.Enqueue(c.Request.Context(), jobs.QueueEnvelope, "", jobs.EnvelopePayload{AgreementID: a.ID})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

type voidAgreementRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleVoidAgreement(c *gin.Context) {
	var req voidAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	metadata := map[string]any{}
	if req.Reason != "" {
		metadata["voidReason"] = req.Reason
	}
	a, err := s.deps.Lifecycle.Transition(c.Request.Context(), agreement.TransitionParams{
		AgreementID:   c.Param("id"),
		To:            agreement.StatusVoided,
		Metadata:      metadata,
		AuditMetadata: map[string]any{"operator": c.GetString("operator")},
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementView(a))
}

func (s *Server) handleExpireAgreement(c *gin.Context) {
	a, err := s.deps.Lifecycle.Transition(c.Request.Context(), agreement.TransitionParams{
		AgreementID:   c.Param("id"),
		To:            agreement.StatusExpired,
		AuditMetadata: map[string]any{"operator": c.GetString("operator")},
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAgreementView(a))
}

// handleCheckAgreement queues an immediate threshold check outside the
// recurring scan.
func (s *Server) handleCheckAgreement(c *gin.Context) {
	a, err := s.deps.Agreements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.deps.Orchestrator.Enqueue(c.Request.Context(), jobs.QueueAgreementUpdate, "", jobs.SyncPayload{AgreementID: a.ID})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

type paymentIntentRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Currency    string `json:"currency"`
}

func (s *Server) handleCreatePaymentIntent(c *gin.Context) {
	if s.deps.Payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment integration not configured"})
		return
	}
	var req paymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	a, err := s.deps.Agreements.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if a.Status != agreement.StatusDraft {
		s.respondError(c, agreement.ErrInvalidTransition)
		return
	}

	intent, err := s.deps.Payments.CreateIntent(c.Request.Context(), req.AmountCents, req.Currency, a.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if _, err := s.deps.Lifecycle.UpdateMetadata(c.Request.Context(), a.ID,
		map[string]any{
			agreement.MetaPaymentAmount:   req.AmountCents,
			agreement.MetaPaymentStatus:   "pending",
			agreement.MetaPaymentIntentID: intent.ID,
		},
		map[string]any{"operator": c.GetString("operator")},
	); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"intentId":     intent.ID,
		"clientSecret": intent.ClientSecret,
	})
}
