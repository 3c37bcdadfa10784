package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"vidfab-server/apperr"
	"vidfab-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ownedTask loads :task_id and checks the caller owns the task's project.
func (h *Handler) ownedTask(c *gin.Context) (*models.Task, bool) {
	userID, ok := h.requireCaller(c)
	if !ok {
		return nil, false
	}
	t, err := models.GetTask(c.Request.Context(), h.DB, c.Param("task_id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if t.ProjectID != "" {
		if _, err := h.Processor.ProjectForUser(c.Request.Context(), t.ProjectID, userID); err != nil {
			h.fail(c, err)
			return nil, false
		}
	}
	return t, true
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (h *Handler) GetTaskStatus(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

// 运维: 列出重试耗尽的任务, 重新入队同一 key 即可复活
func (h *Handler) ListDeadTasks(c *gin.Context) {
	const op = "tasks.dead"
	if !h.requireAdmin(c, op) {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(c, apperr.Validation(op, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxTransactions)
	}
	tasks, err := models.DeadTasks(c.Request.Context(), h.DB, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// 任务进度 WebSocket 推送. 以数据库为来源: 先推送当前状态, 然后轮询 DB,
// 状态或进度变化时推送, 任务结束后关闭连接.
func (h *Handler) TaskProgressWebSocket(c *gin.Context) {
	t, ok := h.ownedTask(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	// The read loop only notices the client going away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(t); err != nil || t.Terminal() {
		closeNormal(conn)
		return
	}

	interval := h.TaskPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevStatus, prevProgress := t.Status, t.Progress
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur, err := models.GetTask(ctx, h.DB, t.ID)
		if err != nil {
			h.Log.Debug("poll task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if cur.Status == prevStatus && cur.Progress == prevProgress {
			continue
		}
		if err := conn.WriteJSON(cur); err != nil {
			return
		}
		prevStatus, prevProgress = cur.Status, cur.Progress
		if cur.Terminal() {
			closeNormal(conn)
			return
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
