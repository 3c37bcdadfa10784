// Package api holds the gin handlers of the /v1/api surface.
package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/queue"
	"vidfab-server/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	HeaderUserID     = "X-User-ID"
	HeaderAdminToken = "X-Admin-Token"
)

type Handler struct {
	Processor *service.Processor
	Ledger    *service.Ledger
	DB        *gorm.DB
	Log       *zap.Logger

	// AdminToken guards credit grants. Grants are refused when it is empty.
	AdminToken       string
	TaskPollInterval time.Duration
}

// callerID is the authenticated user. Browsers cannot set headers on a
// websocket handshake, so the user_id query parameter is accepted as well.
func callerID(c *gin.Context) string {
	if id := c.GetHeader(HeaderUserID); id != "" {
		return id
	}
	return c.Query("user_id")
}

func (h *Handler) requireCaller(c *gin.Context) (string, bool) {
	id := callerID(c)
	if id == "" {
		h.fail(c, apperr.AccessDenied("api", "missing %s header", HeaderUserID))
		return "", false
	}
	return id, true
}

func (h *Handler) requireAdmin(c *gin.Context, op string) bool {
	token := c.GetHeader(HeaderAdminToken)
	if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
		h.fail(c, apperr.AccessDenied(op, "admin token required"))
		return false
	}
	return true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func accepted(c *gin.Context, enq *queue.Enqueued) {
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":   enq.JobID,
		"duplicate": enq.Duplicate,
	})
}
