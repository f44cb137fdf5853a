package controller

import (
	"errors"
	"llmdispatch/model"
	"llmdispatch/platform"
	"llmdispatch/service"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type MessageController struct{}

var (
	logger            = platform.Logger
	dispatchService   = &service.DispatchService{}
	enrichmentService = &service.EnrichmentService{}
)

const (
	defaultPage     = 1
	defaultPageSize = 20
)

// SendMessage 把一条对话同时发给多个模型并落库
func (mc MessageController) SendMessage(c *gin.Context) {
	var req service.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("[%s] Invalid input, %s", c.GetString("requestId"), err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	id, err := dispatchService.Dispatch(c.Request.Context(), c.GetString("requestId"), req)
	if err != nil {
		logger.Warnf("[%s] Dispatch failed, %s", c.GetString("requestId"), err)
		c.JSON(errStatus(err), gin.H{"detail": err.Error()})
		return
	}

	logger.Infof("[%s] Dispatched message %s to %d models", c.GetString("requestId"), id, len(req.Models))
	c.JSON(http.StatusOK, gin.H{"message_id": id})
}

// ListMessages 分页返回记录摘要, 最近的在前
func (mc MessageController) ListMessages(c *gin.Context) {
	page := queryInt(c, "page", defaultPage)
	pageSize := queryInt(c, "pageSize", defaultPageSize)

	previews, total, err := model.ListMessages(page, pageSize)
	if err != nil {
		logger.Warnf("[%s] List messages failed, %s", c.GetString("requestId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":    previews,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
	})
}

func (mc MessageController) GetMessage(c *gin.Context) {
	msg, err := model.GetMessage(c.Param("id"))
	if err != nil {
		if errors.Is(err, model.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Message not found"})
			return
		}
		logger.Warnf("[%s] Get message failed, %s", c.GetString("requestId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to get message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (mc MessageController) DeleteMessage(c *gin.Context) {
	id := c.Param("id")
	if err := enrichmentService.Delete(id); err != nil {
		logger.Warnf("[%s] Delete message %s failed, %s", c.GetString("requestId"), id, err)
		c.JSON(errStatus(err), gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

// Scamper 对记录执行一个 SCAMPER 步骤, 客户端之后重新拉取完整记录
func (mc MessageController) Scamper(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
		service.ScamperRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("[%s] Invalid input, %s", c.GetString("requestId"), err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	if err := enrichmentService.ApplyScamperStep(c.Request.Context(), req.MessageID, req.ScamperRequest); err != nil {
		logger.Warnf("[%s] Scamper step %s failed for %s, %s", c.GetString("requestId"), req.Step, req.MessageID, err)
		c.JSON(errStatus(err), gin.H{"detail": err.Error()})
		return
	}

	logger.Infof("[%s] Applied scamper step %s to message %s", c.GetString("requestId"), req.Step, req.MessageID)
	c.JSON(http.StatusOK, gin.H{"message_id": req.MessageID, "step": req.Step})
}

func (mc MessageController) GenerateImage(c *gin.Context) {
	var req struct {
		MessageID string `json:"message_id"`
		service.ImageRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("[%s] Invalid input, %s", c.GetString("requestId"), err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}

	url, err := enrichmentService.GenerateImage(c.Request.Context(), req.MessageID, req.ImageRequest)
	if err != nil {
		logger.Warnf("[%s] Image generation failed for %s, %s", c.GetString("requestId"), req.MessageID, err)
		c.JSON(errStatus(err), gin.H{"detail": err.Error()})
		return
	}

	logger.Infof("[%s] Generated image for message %s", c.GetString("requestId"), req.MessageID)
	c.JSON(http.StatusOK, gin.H{"image_url": url})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEnrichmentInFlight):
		return http.StatusConflict
	case errors.Is(err, service.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
