package api

import (
	"net/http"
	"strconv"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/service"

	"github.com/gin-gonic/gin"
)

// 创建项目: POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	userID, ok := h.requireCaller(c)
	if !ok {
		return
	}
	var in service.CreateProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.fail(c, apperr.Validation("project.create", "bad request body: %v", err))
		return
	}
	in.UserID = userID

	proj, err := h.Processor.CreateProject(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": proj})
}

// 获取项目详情, 包括分镜、角色和视频片段
func (h *Handler) GetProject(c *gin.Context) {
	userID, ok := h.requireCaller(c)
	if !ok {
		return
	}
	detail, err := h.Processor.ProjectDetail(c.Request.Context(), c.Param("project_id"), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ownedProject resolves :project_id for the caller and aborts on failure.
func (h *Handler) ownedProject(c *gin.Context) (*models.Project, bool) {
	userID, ok := h.requireCaller(c)
	if !ok {
		return nil, false
	}
	proj, err := h.Processor.ProjectForUser(c.Request.Context(), c.Param("project_id"), userID)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return proj, true
}

// 分析剧本: POST /v1/api/projects/:project_id/analyze?force=true
func (h *Handler) AnalyzeProject(c *gin.Context) {
	proj, ok := h.ownedProject(c)
	if !ok {
		return
	}
	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(c, apperr.Validation("project.analyze", "force must be a boolean"))
			return
		}
		force = v
	}
	enq, err := h.Processor.EnqueueAnalyze(c.Request.Context(), proj.ID, force)
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}

type imagesRequest struct {
	IDs []string `json:"ids"`
}

// bindIDs reads the optional {"ids": [...]} body. No body means every item.
func (h *Handler) bindIDs(c *gin.Context, op string) ([]string, bool) {
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	var req imagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation(op, "bad request body: %v", err))
		return nil, false
	}
	return req.IDs, true
}

func (h *Handler) analyzed(c *gin.Context, op string, proj *models.Project) bool {
	if proj.Analysis == nil {
		h.fail(c, apperr.Conflict(op, "script of project %s has not been analyzed", proj.ID))
		return false
	}
	return true
}

// 生成角色参考图: POST /v1/api/projects/:project_id/characters/images
func (h *Handler) GenerateCharacterImages(c *gin.Context) {
	const op = "project.characters"
	proj, ok := h.ownedProject(c)
	if !ok || !h.analyzed(c, op, proj) {
		return
	}
	ids, ok := h.bindIDs(c, op)
	if !ok {
		return
	}
	enq, err := h.Processor.EnqueueCharacterImages(c.Request.Context(), proj.ID, ids, proj.AnalysisRevision, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}

// 生成分镜图: POST /v1/api/projects/:project_id/storyboard
func (h *Handler) GenerateStoryboard(c *gin.Context) {
	const op = "project.storyboard"
	proj, ok := h.ownedProject(c)
	if !ok || !h.analyzed(c, op, proj) {
		return
	}
	ids, ok := h.bindIDs(c, op)
	if !ok {
		return
	}
	enq, err := h.Processor.EnqueueStoryboard(c.Request.Context(), proj.ID, ids, proj.AnalysisRevision, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}

// 同步视频片段状态
func (h *Handler) SyncProject(c *gin.Context) {
	proj, ok := h.ownedProject(c)
	if !ok {
		return
	}
	enq, err := h.Processor.EnqueueSync(c.Request.Context(), proj.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}

// 合成最终视频
func (h *Handler) ComposeProject(c *gin.Context) {
	proj, ok := h.ownedProject(c)
	if !ok {
		return
	}
	enq, err := h.Processor.RequestCompose(c.Request.Context(), proj.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	accepted(c, enq)
}
