package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"strata/internal/control"
	"strata/internal/logger"
	"strata/internal/orders"
	"strata/internal/stack"
	"strata/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// Router exposes the stack and control endpoints under /api.
type Router struct {
	store   store.Store
	stack   *stack.Handler
	control *control.Controller
}

func NewRouter(st store.Store, h *stack.Handler, ctrl *control.Controller) *Router {
	return &Router{store: st, stack: h, control: ctrl}
}

// Register mounts the API routes on the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/stack/instrument", r.handleActiveOrders(orders.TierInstrument))
	group.GET("/stack/contract", r.handleActiveOrders(orders.TierContract))
	group.GET("/stack/broker", r.handleActiveOrders(orders.TierBroker))
	group.GET("/stack/order/:id", r.handleLineage)
	group.GET("/stack/events", r.handleEvents)
	if r.stack != nil {
		group.POST("/stack/order/:id/cancel", r.handleCancel)
		group.POST("/fills", r.handleFillWebhook)
	}
	if r.control != nil {
		group.GET("/control/processes", r.handleProcesses)
		group.POST("/control/processes/:name/stop", r.handleControlOp("stop",
			func(ctx context.Context, name, reason string) error {
				return r.control.Stop(ctx, name, reason)
			}))
		group.POST("/control/processes/:name/terminate", r.handleControlOp("terminate",
			func(ctx context.Context, name, reason string) error {
				return r.control.Terminate(ctx, name, reason)
			}))
		group.POST("/control/processes/:name/reset", r.handleControlOp("reset",
			func(ctx context.Context, name, _ string) error {
				return r.control.Reset(ctx, name)
			}))
	}
}

func loadActive[T any](ctx context.Context, f store.Filter,
	list func(context.Context, store.Filter) ([]string, error),
	get func(context.Context, string) (T, error)) ([]T, error) {
	ids, err := list(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		o, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *Router) handleActiveOrders(tier orders.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := store.Filter{
			Instrument: strings.ToUpper(strings.TrimSpace(c.Query("instrument"))),
			Strategy:   strings.TrimSpace(c.Query("strategy")),
		}
		ctx := c.Request.Context()
		var (
			payload any
			err     error
		)
		switch tier {
		case orders.TierInstrument:
			repo := r.store.InstrumentOrders()
			payload, err = loadActive(ctx, f, repo.ListActive, repo.Get)
		case orders.TierContract:
			repo := r.store.ContractOrders()
			payload, err = loadActive(ctx, f, repo.ListActive, repo.Get)
		default:
			repo := r.store.BrokerOrders()
			payload, err = loadActive(ctx, f, repo.ListActive, repo.Get)
		}
		if err != nil {
			logger.Errorf("[api] %s stack list failed ip=%s err=%v", tier, c.ClientIP(), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tier": tier, "orders": payload})
	}
}

type contractLineage struct {
	Order        *orders.ContractOrder `json:"order"`
	BrokerOrders []*orders.BrokerOrder `json:"broker_orders"`
}

func (r *Router) handleLineage(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()
	io, err := r.store.InstrumentOrders().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instrument order not found"})
			return
		}
		logger.Errorf("[api] lineage load failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	contractOrders, err := r.store.ContractOrders().ListByParent(ctx, io.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	legs := make([]contractLineage, 0, len(contractOrders))
	for _, co := range contractOrders {
		brokerOrders, err := r.store.BrokerOrders().ListByParent(ctx, co.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		legs = append(legs, contractLineage{Order: co, BrokerOrders: brokerOrders})
	}
	c.JSON(http.StatusOK, gin.H{"order": io, "contracts": legs})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	ctx := c.Request.Context()
	orderID := strings.TrimSpace(c.Query("order_id"))
	var (
		events []store.OrderEvent
		err    error
	)
	if orderID != "" {
		events, err = r.store.OrderEvents().ListByOrder(ctx, orderID, limit)
	} else {
		events, err = r.store.OrderEvents().ListSince(ctx, time.Now().Add(-24*time.Hour).UTC(), limit)
	}
	if err != nil {
		logger.Errorf("[api] events list failed ip=%s order=%s err=%v", c.ClientIP(), orderID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (r *Router) handleCancel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator cancel"
	}
	err := r.stack.CancelInstrumentOrder(c.Request.Context(), id, reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instrument order not found"})
			return
		}
		logger.Errorf("[api] cancel failed ip=%s id=%s err=%v", c.ClientIP(), id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] cancel ip=%s id=%s reason=%q", c.ClientIP(), id, reason)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "order_id": id})
}

func (r *Router) handleProcesses(c *gin.Context) {
	states, err := r.control.States(c.Request.Context())
	if err != nil {
		logger.Errorf("[api] process list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": states})
}

func (r *Router) handleControlOp(op string, fn func(ctx context.Context, name, reason string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.Param("name"))
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "process name is required"})
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		// Body is optional for control operations.
		_ = c.ShouldBindJSON(&req)

		err := fn(c.Request.Context(), name, strings.TrimSpace(req.Reason))
		if err != nil {
			if errors.Is(err, control.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
				return
			}
			var invalid *control.InvalidTransitionError
			if errors.As(err, &invalid) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			logger.Errorf("[api] control %s failed ip=%s process=%s err=%v", op, c.ClientIP(), name, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		logger.Infof("[api] control %s ip=%s process=%s reason=%q", op, c.ClientIP(), name, req.Reason)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "process": name})
	}
}

// handleFillWebhook accepts venue fill notifications. Venues disagree on
// field names and number encodings, so extraction is tolerant: the first
// matching alias wins and quoted numbers parse as numbers.
func (r *Router) handleFillWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	if !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	doc := gjson.ParseBytes(raw)
	externalID := strings.TrimSpace(firstField(doc, "external_order_id", "order_id", "id").String())
	if externalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing order id"})
		return
	}
	quantity := firstField(doc, "quantity", "qty", "filled").Float()
	if quantity == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing fill quantity"})
		return
	}
	fill := orders.Fill{
		Quantity:   quantity,
		Price:      firstField(doc, "price", "fill_price", "avg_price").Float(),
		Commission: doc.Get("commission").Float(),
		FilledAt:   time.Now().UTC(),
	}
	if ts := doc.Get("filled_at"); ts.Exists() {
		if parsed, perr := time.Parse(time.RFC3339, ts.String()); perr == nil {
			fill.FilledAt = parsed.UTC()
		}
	}

	if err := r.stack.OnFill(c.Request.Context(), externalID, fill); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warnf("[api] fill webhook for unknown order ip=%s external_id=%s", c.ClientIP(), externalID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown order id"})
			return
		}
		logger.Errorf("[api] fill webhook failed ip=%s external_id=%s err=%v", c.ClientIP(), externalID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] fill webhook ip=%s external_id=%s qty=%v price=%v", c.ClientIP(), externalID, fill.Quantity, fill.Price)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func firstField(doc gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if v := doc.Get(key); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
