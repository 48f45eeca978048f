package http

import "github.com/gin-gonic/gin"

// Register attaches billing routes to the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/projects", h.createProject)
	rg.POST("/projects/:project_id/milestones", h.createMilestone)
	rg.GET("/projects/:project_id/milestones", h.listMilestones)
	rg.POST("/projects/:project_id/milestones/:milestone_id/complete", h.completeMilestone)
	rg.POST("/projects/:project_id/milestones/:milestone_id/invoice", h.createInvoice)
	rg.POST("/projects/:project_id/milestones/:milestone_id/payments", h.recordPayment)
	rg.POST("/projects/:project_id/milestones/:milestone_id/void", h.voidInvoice)
	rg.POST("/projects/:project_id/sync", h.syncProject)
	rg.GET("/projects/:project_id/report", h.financialReport)
}

// Register attaches the gateway webhook endpoint. It lives outside the
// versioned API group: the URL is configured in the gateway dashboard and
// must stay stable.
func (h *WebhookHandler) Register(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.handleStripe)
}
