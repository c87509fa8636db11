package httptransport

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/service"
)

// ========== Mailbox Handlers ==========

type createMailboxInput struct {
	LocalPart string `json:"localPart"`
}

// createMailbox 开通一个新邮箱，localPart 留空则随机生成。
func (h *Handler) createMailbox(c *gin.Context) {
	var input createMailboxInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			BadRequest(c, "无效的请求参数")
			return
		}
	}

	mailbox, err := h.mailboxes.Provision(input.LocalPart)
	if err != nil {
		if errors.Is(err, service.ErrAddressInUse) {
			Conflict(c, "地址已被占用")
			return
		}
		InternalError(c, "创建邮箱失败")
		return
	}

	Created(c, mailbox)
}

// getMailbox 获取邮箱详情；已过期邮箱按不存在处理。
func (h *Handler) getMailbox(c *gin.Context) {
	mailbox, err := h.mailboxes.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrMailboxUnavailable) {
			NotFound(c, "邮箱不存在或已过期")
			return
		}
		InternalError(c, "获取邮箱失败")
		return
	}

	Success(c, mailbox)
}

// listMailboxes 列出全部邮箱（管理用途）。
func (h *Handler) listMailboxes(c *gin.Context) {
	Success(c, h.mailboxes.List())
}

type extendMailboxInput struct {
	Extension string `json:"extension" binding:"required"`
}

// extendMailbox 延长邮箱生存时间，extension 为 Go duration 字符串。
func (h *Handler) extendMailbox(c *gin.Context) {
	var input extendMailboxInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "无效的请求参数")
		return
	}

	extension, err := time.ParseDuration(input.Extension)
	if err != nil {
		BadRequest(c, "无效的延长时长")
		return
	}

	mailbox, err := h.mailboxes.Extend(c.Param("id"), extension)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTTL):
			BadRequest(c, "延长时长必须为正")
		case errors.Is(err, service.ErrMailboxUnavailable):
			NotFound(c, "邮箱不存在或已过期")
		default:
			InternalError(c, "延长邮箱失败")
		}
		return
	}

	Success(c, mailbox)
}

// deleteMailbox 删除邮箱并级联删除全部邮件。
func (h *Handler) deleteMailbox(c *gin.Context) {
	if err := h.mailboxes.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, service.ErrMailboxUnavailable) {
			NotFound(c, "邮箱不存在")
			return
		}
		InternalError(c, "删除邮箱失败")
		return
	}

	SuccessWithMsg(c, "邮箱已删除", nil)
}
