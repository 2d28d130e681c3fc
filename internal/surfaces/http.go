package surfaces

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/internal/store"
	"github.com/bazaarlab/notisync/internal/syncer"
	apperrors "github.com/bazaarlab/notisync/pkg/errors"
	"github.com/bazaarlab/notisync/pkg/response"
)

// Actions is the slice of the sync controller the HTTP surface drives.
type Actions interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
	LoadMore(ctx context.Context) error
	State() syncer.State
	HasMore() bool
}

// AdminAPI is the slice of the REST client backing the admin endpoints.
type AdminAPI interface {
	Send(ctx context.Context, input notify.AdminSendInput) (*notify.Record, error)
	History(ctx context.Context, page, limit int) (*notify.Page, error)
	GetAdmin(ctx context.Context, id string) (*notify.Record, error)
	DeleteAdmin(ctx context.Context, id string) error
}

// Handler serves the local surface API consumed by the desktop shells.
type Handler struct {
	store         *store.Store
	actions       Actions
	admin         AdminAPI
	audience      notify.RecipientType
	dropdownLimit int
}

// NewHandler constructs the surface handler. admin may be nil when the
// session is not admin-scoped; the admin routes then return 404.
func NewHandler(st *store.Store, actions Actions, admin AdminAPI, audience notify.RecipientType, dropdownLimit int) *Handler {
	if dropdownLimit <= 0 {
		dropdownLimit = 5
	}
	return &Handler{
		store:         st,
		actions:       actions,
		admin:         admin,
		audience:      audience,
		dropdownLimit: dropdownLimit,
	}
}

// Register mounts every surface route on the supplied engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	surface := r.Group("/surface")
	{
		surface.GET("/badge", h.Badge)
		surface.GET("/dropdown", h.Dropdown)
		surface.GET("/page", h.Page)
		surface.GET("/admin/history", h.AdminHistory)
		surface.GET("/admin/record/:id", h.AdminRecord)
	}

	actions := r.Group("/actions")
	{
		actions.POST("/refresh", h.Refresh)
		actions.POST("/load-more", h.LoadMore)
		actions.POST("/read/:id", h.MarkRead)
		actions.POST("/read-all", h.MarkAllRead)
		actions.DELETE("/delete/:id", h.Delete)
		actions.POST("/admin/send", h.AdminSend)
		actions.DELETE("/admin/:id", h.AdminDelete)
	}
}

// Health reports the session state so shells can render the connectivity
// indicator (a passive hint, never a blocking error).
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"state":    h.actions.State(),
		"degraded": h.actions.State() == syncer.StateDegraded,
	})
}

// Badge returns the unread indicator.
func (h *Handler) Badge(c *gin.Context) {
	response.Success(c, http.StatusOK, BadgeFor(h.store))
}

// Dropdown returns the bell dropdown rows.
func (h *Handler) Dropdown(c *gin.Context) {
	limit := parseIntQuery(c, "limit", h.dropdownLimit)
	response.Success(c, http.StatusOK, DropdownFor(h.store, h.audience, limit, time.Now().UTC()))
}

// Page returns the filtered notification page.
func (h *Handler) Page(c *gin.Context) {
	query := PageQuery{
		Audience: h.audience,
		Tab:      Tab(strings.TrimSpace(c.Query("tab"))),
		Category: notify.Category(strings.TrimSpace(c.Query("category"))),
	}
	if query.Category != "" && !query.Category.Valid() {
		response.Error(c, apperrors.New(apperrors.KindRequest, "unknown category filter", http.StatusBadRequest))
		return
	}

	response.Success(c, http.StatusOK, PageFor(h.store, query, h.actions.HasMore(), time.Now().UTC()))
}

// Refresh forces a full resync.
func (h *Handler) Refresh(c *gin.Context) {
	if err := h.actions.Refresh(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"refreshed": true})
}

// LoadMore merges the next history page.
func (h *Handler) LoadMore(c *gin.Context) {
	if err := h.actions.LoadMore(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"hasMore": h.actions.HasMore()})
}

// MarkRead routes a read action through the controller.
func (h *Handler) MarkRead(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.actions.MarkRead(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, BadgeFor(h.store))
}

// MarkAllRead routes the mark-all action through the controller.
func (h *Handler) MarkAllRead(c *gin.Context) {
	if err := h.actions.MarkAllRead(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, BadgeFor(h.store))
}

// Delete routes a deletion through the controller.
func (h *Handler) Delete(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.actions.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// AdminHistory returns the admin send-history table.
func (h *Handler) AdminHistory(c *gin.Context) {
	if h.admin == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false})
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	result, err := h.admin.History(c.Request.Context(), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"rows":       HistoryRows(result.Notifications, time.Now().UTC()),
		"pagination": result.Pagination,
	})
}

// AdminRecord returns one notification from the admin history detail view.
func (h *Handler) AdminRecord(c *gin.Context) {
	if h.admin == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false})
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	rec, err := h.admin.GetAdmin(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rec)
}

// AdminSend submits a new notification through the admin surface.
func (h *Handler) AdminSend(c *gin.Context) {
	if h.admin == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false})
		return
	}

	var input notify.AdminSendInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"message": err.Error()}})
		return
	}

	rec, err := h.admin.Send(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, rec)
}

// AdminDelete removes an admin-scoped notification.
func (h *Handler) AdminDelete(c *gin.Context) {
	if h.admin == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false})
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if err := h.admin.DeleteAdmin(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
