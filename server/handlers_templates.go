package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docuflow/template"
)

type createTemplateRequest struct {
	Name               string                              `json:"name" binding:"required"`
	Description        string                              `json:"description"`
	ProviderTemplateID string                              `json:"providerTemplateId" binding:"required"`
	DynamicFields      map[string]template.FieldDescriptor `json:"dynamicFields"`
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tmpl, err := s.deps.Templates.Create(c.Request.Context(), template.CreateParams{
		Name:               req.Name,
		Description:        req.Description,
		ProviderTemplateID: req.ProviderTemplateID,
		DynamicFields:      req.DynamicFields,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toTemplateView(tmpl))
}

func (s *Server) handleListTemplates(c *gin.Context) {
	list, err := s.deps.Templates.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	views := make([]templateView, len(list))
	for i, tmpl := range list {
		views[i] = toTemplateView(tmpl)
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetTemplate(c *gin.Context) {
	tmpl, err := s.deps.Templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplateView(tmpl))
}

type updateTemplateRequest struct {
	Name          *string                             `json:"name"`
	Description   *string                             `json:"description"`
	DynamicFields map[string]template.FieldDescriptor `json:"dynamicFields"`
}

func (s *Server) handleUpdateTemplate(c *gin.Context) {
	var req updateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tmpl, err := s.deps.Templates.Update(c.Request.Context(), c.Param("id"), template.UpdateParams{
		Name:          req.Name,
		Description:   req.Description,
		DynamicFields: req.DynamicFields,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTemplateView(tmpl))
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.deps.Templates.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
