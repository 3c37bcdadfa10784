package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 生成分镜视频: POST /v1/api/projects/:project_id/shots/:shot_id/video
func (h *Handler) GenerateShotVideo(c *gin.Context) {
	proj, ok := h.ownedProject(c)
	if !ok {
		return
	}
	enq, err := h.Processor.RequestClip(c.Request.Context(), proj.ID, c.Param("shot_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}

// 重新生成失败的分镜视频, 消耗一次重生成额度
func (h *Handler) RetryShotVideo(c *gin.Context) {
	proj, ok := h.ownedProject(c)
	if !ok {
		return
	}
	clip, err := h.Processor.RetryClip(c.Request.Context(), proj.ID, c.Param("shot_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"clip": clip})
}
