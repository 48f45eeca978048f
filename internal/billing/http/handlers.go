package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/service"
)

// Handler exposes milestone lifecycle operations and reporting.
type Handler struct {
	lifecycle *service.LifecycleService
	reports   *service.ReportService
}

func NewHandler(lifecycle *service.LifecycleService, reports *service.ReportService) *Handler {
	return &Handler{lifecycle: lifecycle, reports: reports}
}

type createProjectReq struct {
	Name       string `json:"name"`
	CustomerID string `json:"customer_id"`
}

func (h *Handler) createProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" || req.CustomerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	p := &domain.Project{
		Name:       strings.TrimSpace(req.Name),
		CustomerID: req.CustomerID,
	}
	if err := h.lifecycle.CreateProject(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "project": p})
}

type createMilestoneReq struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Amount      int64             `json:"amount"`
	DueDate     *time.Time        `json:"due_date"`
	LineItems   []domain.LineItem `json:"line_items"`
}

func (h *Handler) createMilestone(c *gin.Context) {
	var req createMilestoneReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	m := &domain.Milestone{
		ProjectID:   c.Param("project_id"),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Amount:      req.Amount,
		DueDate:     req.DueDate,
		LineItems:   req.LineItems,
	}
	if err := h.lifecycle.CreateMilestone(c.Request.Context(), m); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "milestone": m})
}

func (h *Handler) listMilestones(c *gin.Context) {
	items, err := h.lifecycle.ListMilestones(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "milestones": items})
}

type completeReq struct {
	Notes string `json:"notes"`
}

func (h *Handler) completeMilestone(c *gin.Context) {
	var req completeReq
	_ = c.ShouldBindJSON(&req) // notes are optional; an empty body is fine

	result, err := h.lifecycle.CompleteMilestone(
		c.Request.Context(),
		c.Param("project_id"),
		c.Param("milestone_id"),
		req.Notes,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

type invoiceReq struct {
	DueDate *time.Time `json:"due_date"`
}

func (h *Handler) createInvoice(c *gin.Context) {
	var req invoiceReq
	_ = c.ShouldBindJSON(&req)

	result, err := h.lifecycle.CreateMilestoneInvoice(
		c.Request.Context(),
		c.Param("project_id"),
		c.Param("milestone_id"),
		req.DueDate,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "result": result})
}

type recordPaymentReq struct {
	PaymentRef string     `json:"payment_ref"`
	Amount     int64      `json:"amount"`
	PaidAt     *time.Time `json:"paid_at"`
}

func (h *Handler) recordPayment(c *gin.Context) {
	var req recordPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil || req.PaymentRef == "" || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid body"})
		return
	}

	paidAt := time.Now().UTC()
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}
	err := h.lifecycle.RecordPayment(
		c.Request.Context(),
		c.Param("project_id"),
		c.Param("milestone_id"),
		req.PaymentRef,
		req.Amount,
		paidAt,
		service.TriggerAPI,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) voidInvoice(c *gin.Context) {
	err := h.lifecycle.VoidMilestoneInvoice(
		c.Request.Context(),
		c.Param("project_id"),
		c.Param("milestone_id"),
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// syncProject is the operator-triggered reconciliation pass.
func (h *Handler) syncProject(c *gin.Context) {
	result, err := h.lifecycle.SyncPaymentStatus(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
}

func (h *Handler) financialReport(c *gin.Context) {
	report, err := h.reports.GetProjectFinancialReport(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "report": report})
}

func respondError(c *gin.Context, err error) {
	var gwErr *domain.GatewayError

	switch {
	case errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrMilestoneNotFound),
		errors.Is(err, domain.ErrInvoiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, domain.ErrAmountMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "error": err.Error()})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error(), "step": gwErr.Step})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
	}
}
