// Package server exposes the HTTP surface: provider webhooks, the admin
// queue view, and template/agreement management.
package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"docuflow/agreement"
	"docuflow/audit"
	"docuflow/auth"
	"docuflow/esign"
	"docuflow/jobs"
	"docuflow/payment"
	"docuflow/template"
	"docuflow/webhook"
)

// Deps wires the services the handlers dispatch into. Esign and Payments may
// be nil when the integration is not configured; their routes then answer 503.
type Deps struct {
	Pool         *pgxpool.Pool
	Agreements   *agreement.Service
	Lifecycle    *agreement.Lifecycle
	Templates    *template.Service
	AuditRepo    *audit.Repository
	Orchestrator *jobs.Orchestrator
	Ingestor     *webhook.Ingestor
	Auth         *auth.Service
	Esign        *esign.Client
	Payments     *payment.Client
	Logger       *slog.Logger
}

// Server holds the router and its dependencies.
type Server struct {
	deps   Deps
	engine *gin.Engine
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}
	s.engine = s.buildRouter()
	return s
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Webhooks authenticate by signature, not bearer token.
	r.POST("/webhooks/esign", s.handleEsignWebhook)
	r.POST("/webhooks/payment", s.handlePaymentWebhook)

	r.POST("/admin/login", s.handleLogin)

	api := r.Group("/", s.requireAuth())
	{
		api.GET("/admin/queues", s.handleQueueStats)
		api.GET("/admin/queues/:queue/failed", s.handleFailedJobs)

		api.POST("/templates", s.handleCreateTemplate)
		api.GET("/templates", s.handleListTemplates)
		api.GET("/templates/:id", s.handleGetTemplate)
		api.PUT("/templates/:id", s.handleUpdateTemplate)
		api.DELETE("/templates/:id", s.handleDeleteTemplate)

		api.POST("/agreements", s.handleCreateAgreement)
		api.GET("/agreements", s.handleListAgreements)
		api.GET("/agreements/:id", s.handleGetAgreement)
		api.GET("/agreements/:id/audit", s.handleAgreementAudit)
		api.GET("/agreements/:id/envelope", s.handleEnvelopeStatus)
		api.POST("/agreements/:id/send", s.handleSendAgreement)
		api.POST("/agreements/:id/void", s.handleVoidAgreement)
		api.POST("/agreements/:id/expire", s.handleExpireAgreement)
		api.POST("/agreements/:id/check", s.handleCheckAgreement)
		api.POST("/agreements/:id/payment-intent", s.handleCreatePaymentIntent)
	}

	return r
}
