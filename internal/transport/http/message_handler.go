package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailsink/backend/internal/service"
)

// ========== Message Handlers ==========

// listMessages 列出邮箱内全部邮件，按接收时间倒序。
func (h *Handler) listMessages(c *gin.Context) {
	messages, err := h.messages.List(c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrMailboxUnavailable) {
			NotFound(c, "邮箱不存在或已过期")
			return
		}
		InternalError(c, "获取邮件列表失败")
		return
	}

	Success(c, messages)
}

// getMessage 获取单封邮件详情。
func (h *Handler) getMessage(c *gin.Context) {
	message, err := h.messages.Get(c.Param("id"), c.Param("messageId"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMailboxUnavailable):
			NotFound(c, "邮箱不存在或已过期")
		case errors.Is(err, service.ErrMessageUnavailable):
			NotFound(c, "邮件不存在")
		default:
			InternalError(c, "获取邮件失败")
		}
		return
	}

	Success(c, message)
}

// getSharedMessage 按对外标识读取邮件（分享链接）。
func (h *Handler) getSharedMessage(c *gin.Context) {
	message, err := h.messages.GetByPublicID(c.Param("publicId"))
	if err != nil {
		if errors.Is(err, service.ErrMessageUnavailable) {
			NotFound(c, "邮件不存在")
			return
		}
		InternalError(c, "获取邮件失败")
		return
	}

	Success(c, message)
}

// markMessageRead 标记邮件为已读。
func (h *Handler) markMessageRead(c *gin.Context) {
	if err := h.messages.MarkRead(c.Param("id"), c.Param("messageId")); err != nil {
		if errors.Is(err, service.ErrMessageUnavailable) {
			NotFound(c, "邮件不存在")
			return
		}
		InternalError(c, "标记已读失败")
		return
	}

	SuccessWithMsg(c, "已标记为已读", nil)
}

// deleteMessage 删除单封邮件。
func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Param("id"), c.Param("messageId")); err != nil {
		if errors.Is(err, service.ErrMessageUnavailable) {
			NotFound(c, "邮件不存在")
			return
		}
		InternalError(c, "删除邮件失败")
		return
	}

	SuccessWithMsg(c, "邮件已删除", nil)
}
