package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
)

const idempotencyHeader = "Idempotency-Key"

// HealthFunc reports whether a backing store is reachable.
type HealthFunc func(ctx context.Context) error

type HTTPHandler struct {
	plans  *service.PlanService
	items  *service.ItemService
	health HealthFunc
}

func NewHTTPHandler(plans *service.PlanService, items *service.ItemService, health HealthFunc) *HTTPHandler {
	return &HTTPHandler{plans: plans, items: items, health: health}
}

// RegisterRoutes mounts the health, metrics and planner API routes.
//
//	GET    /health
//	GET    /metrics
//	GET    /api/plans
//	POST   /api/plans
//	GET    /api/plans/:id
//	PUT    /api/plans/:id
//	DELETE /api/plans/:id
//	GET    /api/plans/:id/items
//	POST   /api/plans/:id/items
//	GET    /api/items/:id
//	PATCH  /api/items/:id
//	DELETE /api/items/:id
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/plans", h.ListPlans)
		api.POST("/plans", h.CreatePlan)
		api.GET("/plans/:id", h.GetPlan)
		api.PUT("/plans/:id", h.UpdatePlan)
		api.DELETE("/plans/:id", h.DeletePlan)
		api.GET("/plans/:id/items", h.ListItems)
		api.POST("/plans/:id/items", h.AppendItem)
		api.GET("/items/:id", h.GetItem)
		api.PATCH("/items/:id", h.UpdateItem)
		api.DELETE("/items/:id", h.DeleteItem)
	}
}

// bindJSON decodes the body into req and runs its validation tags.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidAttributes, err))
		return false
	}
	if err := validateRequest(req); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) ListPlans(c *gin.Context) {
	plans, err := h.plans.ListPlans(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]PlanResponse, 0, len(plans))
	for i := range plans {
		resp := newPlanResponse(&plans[i])
		count := plans[i].ItemCount
		resp.ItemCount = &count
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (h *HTTPHandler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if !bindJSON(c, &req) {
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(c, err)
		return
	}

	plan, err := h.plans.CreatePlan(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPlanResponse(plan))
}

func (h *HTTPHandler) GetPlan(c *gin.Context) {
	plan, items, err := h.plans.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PlanWithItemsResponse{Plan: newPlanResponse(plan), Items: newItemResponses(items)})
}

func (h *HTTPHandler) UpdatePlan(c *gin.Context) {
	var req UpdatePlanRequest
	if !bindJSON(c, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(c, err)
		return
	}

	plan, err := h.plans.UpdatePlan(c.Request.Context(), c.Param("id"), req.Version, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPlanResponse(plan))
}

func (h *HTTPHandler) DeletePlan(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.plans.DeletePlan(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DeletePlanResponse{ID: id, ItemsRemoved: removed})
}

func (h *HTTPHandler) ListItems(c *gin.Context) {
	items, err := h.items.ListItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": newItemResponses(items)})
}

// AppendItem takes the request key from the Idempotency-Key header, falling
// back to the body field.
func (h *HTTPHandler) AppendItem(c *gin.Context) {
	var req AppendItemRequest
	if !bindJSON(c, &req) {
		return
	}
	key := c.GetHeader(idempotencyHeader)
	if key == "" {
		key = req.RequestKey
	}

	item, err := h.items.AppendItem(c.Request.Context(), c.Param("id"), req.toInput(),
		service.AppendOptions{Position: req.Position, RequestKey: key})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newItemResponse(item))
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	item, err := h.items.GetItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) UpdateItem(c *gin.Context) {
	var req UpdateItemRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.items.UpdateItem(c.Request.Context(), c.Param("id"), req.toPatch())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newItemResponse(item))
}

func (h *HTTPHandler) DeleteItem(c *gin.Context) {
	if err := h.items.DeleteItem(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
