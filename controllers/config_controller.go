package controllers

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConfigController serves UI configuration to scripted clients.
type ConfigController struct {
	noticeTitle string
	notice      template.HTML
}

// NewConfigController takes the already sanitized notice banner.
func NewConfigController(title string, notice template.HTML) *ConfigController {
	return &ConfigController{noticeTitle: title, notice: notice}
}

// GetNotice returns the announcement banner.
func (c *ConfigController) GetNotice(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"title": c.noticeTitle,
		"html":  string(c.notice),
	})
}
