package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"modelbroker/internal/budget"
	"modelbroker/internal/chooser"
	"modelbroker/internal/core"
	"modelbroker/internal/diag"
	"modelbroker/internal/dispatch"
	"modelbroker/internal/registry"
)

// Handler carries the services the HTTP surface exposes.
type Handler struct {
	chooser  *chooser.Chooser
	budget   *budget.Store
	queue    *dispatch.Queue
	diag     *diag.Ring
	registry *registry.Registry
	version  string
}

// NewHandler creates the handler. Any dependency may be nil; the matching
// endpoint then reports service unavailable.
func NewHandler(ch *chooser.Chooser, bud *budget.Store, q *dispatch.Queue, ring *diag.Ring, reg *registry.Registry, version string) *Handler {
	return &Handler{
		chooser:  ch,
		budget:   bud,
		queue:    q,
		diag:     ring,
		registry: reg,
		version:  version,
	}
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

type chooseRequest struct {
	Candidates []string `json:"candidates"`
	Policy     string   `json:"policy,omitempty"`
	TenantKey  string   `json:"tenantKey,omitempty"`
}

// Choose runs the model selection policy over the posted candidates.
func (h *Handler) Choose(c echo.Context) error {
	if h.chooser == nil {
		return serviceUnavailable(c, "chooser not configured")
	}

	var req chooseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Candidates) == 0 {
		return badRequest(c, "candidates is required")
	}

	specs := make([]core.ModelSpec, len(req.Candidates))
	for i, raw := range req.Candidates {
		specs[i] = core.ParseModelSpec(raw)
	}

	ctx := c.Request().Context()
	tenant := req.TenantKey
	if tenant == "" {
		tenant = core.GetTenantKey(ctx)
	}

	dec := h.chooser.Choose(ctx, chooser.Request{
		Candidates: specs,
		Policy:     chooser.Policy(req.Policy),
		TenantKey:  tenant,
	})
	return c.JSON(http.StatusOK, dec)
}

// Availability reports the budget view for one model spec.
func (h *Handler) Availability(c echo.Context) error {
	if h.budget == nil {
		return serviceUnavailable(c, "budget store not configured")
	}

	raw := c.QueryParam("model")
	if raw == "" {
		return badRequest(c, "model query parameter is required")
	}
	spec := core.ParseModelSpec(raw)
	if h.registry != nil {
		if _, ok := h.registry.Lookup(spec); !ok {
			return c.JSON(http.StatusNotFound, map[string]any{
				"error": map[string]any{
					"type":    "not_found",
					"message": "unknown model spec: " + raw,
				},
			})
		}
	}

	av := h.budget.Availability(c.Request().Context(), spec.String())
	return c.JSON(http.StatusOK, map[string]any{
		"model":        spec.String(),
		"availability": av,
	})
}

// Queue returns the dispatch queue depths.
func (h *Handler) Queue(c echo.Context) error {
	if h.queue == nil {
		return serviceUnavailable(c, "dispatch queue not configured")
	}
	return c.JSON(http.StatusOK, h.queue.Snapshot())
}

// Diagnostics returns the recent event trail, oldest first.
func (h *Handler) Diagnostics(c echo.Context) error {
	if h.diag == nil {
		return serviceUnavailable(c, "diagnostics not configured")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events": h.diag.Events(),
	})
}

// Models lists the registry contents.
func (h *Handler) Models(c echo.Context) error {
	if h.registry == nil {
		return serviceUnavailable(c, "registry not configured")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"models": h.registry.Entries,
	})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"type":    "invalid_request_error",
			"message": message,
		},
	})
}

func serviceUnavailable(c echo.Context, message string) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]any{
		"error": map[string]any{
			"type":    "service_unavailable",
			"message": message,
		},
	})
}
